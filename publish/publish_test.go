package publish

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-assetpack/publish/network"
)

func writePrivateKey(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	keyPath := filepath.Join(t.TempDir(), "publisher.p8")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))
	return keyPath
}

func writeArchive(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.tzst")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// fakePublishService fakes the whole publish surface of the asset pack API
// plus the pre-signed storage endpoint.
type fakePublishService struct {
	existingPacks []network.AssetPack
	failCommit    bool

	mu            sync.Mutex
	mutatingCalls []string
	statusCalls   int
	uploadedBytes int64
	bearerSeen    bool

	server *httptest.Server
}

func newFakePublishService(t *testing.T, existingPacks []network.AssetPack, failCommit bool) *fakePublishService {
	t.Helper()

	service := &fakePublishService{
		existingPacks: existingPacks,
		failCommit:    failCommit,
	}
	service.server = httptest.NewServer(http.HandlerFunc(service.handle))
	t.Cleanup(service.server.Close)
	return service
}

func (s *fakePublishService) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		s.bearerSeen = true
	}
	if r.Method != http.MethodGet && !strings.HasPrefix(r.URL.Path, "/storage/") {
		s.mutatingCalls = append(s.mutatingCalls, fmt.Sprintf("%s %s", r.Method, r.URL.Path))
	}
	s.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/apps/app-1/asset-packs":
		_ = json.NewEncoder(w).Encode(map[string][]network.AssetPack{"asset_packs": s.existingPacks})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/apps/app-1/asset-packs":
		var request network.CreateAssetPackRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(network.AssetPack{ID: "pack-1", Identifier: request.Identifier, AppID: "app-1"})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/asset-packs/pack-1/versions":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(network.AssetVersion{ID: "version-1", VersionNumber: "7", State: "AWAITING_UPLOAD"})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/versions/version-1/files":
		var request network.ReserveUploadRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(network.UploadFile{
			ID: "file-1",
			Operations: []network.UploadOperation{{
				URL:    s.server.URL + "/storage/part-0",
				Method: http.MethodPut,
				Offset: 0,
				Length: request.FileSizeInBytes,
			}},
		})

	case r.Method == http.MethodPut && r.URL.Path == "/storage/part-0":
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.uploadedBytes = int64(len(body))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPatch && r.URL.Path == "/v1/files/file-1":
		if s.failCommit {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"errors": [{"detail": "storage backend rejected the checksum"}]}`))
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/versions/version-1":
		s.mu.Lock()
		s.statusCalls++
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(network.AssetVersion{ID: "version-1", VersionNumber: "7", State: "AWAITING_PROCESSING"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors": [{"detail": "no such route"}]}`))
	}
}

func newTestPublisher() *publisher {
	return NewPublisher(
		fakeEnvRepo{envVars: map[string]string{}},
		log.NewLogger(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		nil,
	)
}

func testInput(service *fakePublishService, keyPath, archivePath string) PublishInput {
	return PublishInput{
		AppID:          "app-1",
		Identifier:     "com.example.weather-model",
		APIBaseURL:     service.server.URL,
		IssuerID:       "57246542-96fe-1a63-e053-0824d011072a",
		KeyID:          "2X9R4HXF34",
		PrivateKeyPath: keyPath,
		ArchivePath:    archivePath,
	}
}

func TestPublish_endToEnd(t *testing.T) {
	// Resource absent: create pack, create version, reserve a single
	// operation covering the whole file, upload, commit, one status read
	keyPath := writePrivateKey(t)
	archivePath := writeArchive(t, 400)
	service := newFakePublishService(t, nil, false)

	result, err := newTestPublisher().Publish(testInput(service, keyPath, archivePath))
	require.NoError(t, err)

	assert.Equal(t, "pack-1", result.AssetPackID)
	assert.Equal(t, "com.example.weather-model", result.Identifier)
	assert.Equal(t, "7", result.VersionNumber)
	assert.Equal(t, "AWAITING_PROCESSING", result.State)
	assert.Contains(t, result.Summary, "AWAITING_PROCESSING")

	assert.Equal(t, int64(400), service.uploadedBytes)
	assert.Equal(t, 1, service.statusCalls)
	assert.True(t, service.bearerSeen, "API calls must carry a bearer token")
	assert.Equal(t, []string{
		"POST /v1/apps/app-1/asset-packs",
		"POST /v1/asset-packs/pack-1/versions",
		"POST /v1/versions/version-1/files",
		"PATCH /v1/files/file-1",
	}, service.mutatingCalls)
}

func TestPublish_existingAssetPackIsNotRecreated(t *testing.T) {
	keyPath := writePrivateKey(t)
	archivePath := writeArchive(t, 400)
	service := newFakePublishService(t, []network.AssetPack{
		{ID: "pack-1", Identifier: "com.example.weather-model", AppID: "app-1"},
	}, false)

	result, err := newTestPublisher().Publish(testInput(service, keyPath, archivePath))
	require.NoError(t, err)

	assert.Equal(t, "pack-1", result.AssetPackID)
	assert.NotContains(t, service.mutatingCalls, "POST /v1/apps/app-1/asset-packs")
}

func TestPublish_commitFailureAbortsBeforeStatusRead(t *testing.T) {
	keyPath := writePrivateKey(t)
	archivePath := writeArchive(t, 400)
	service := newFakePublishService(t, nil, true)

	_, err := newTestPublisher().Publish(testInput(service, keyPath, archivePath))
	require.Error(t, err)

	var commitErr network.CommitError
	assert.ErrorAs(t, err, &commitErr)
	assert.Contains(t, err.Error(), "storage backend rejected the checksum")
	assert.Equal(t, 0, service.statusCalls)
}

func TestPublish_dryRunIssuesNoMutatingCalls(t *testing.T) {
	keyPath := writePrivateKey(t)
	archivePath := writeArchive(t, 400)
	service := newFakePublishService(t, nil, false)

	input := testInput(service, keyPath, archivePath)
	input.DryRun = true

	result, err := newTestPublisher().Publish(input)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, "com.example.weather-model", result.Identifier)
	assert.Equal(t, "(new)", result.VersionNumber)
	assert.Contains(t, result.Summary, "1 operation(s)")
	assert.Empty(t, service.mutatingCalls)
	assert.Equal(t, int64(0), service.uploadedBytes)
}

func TestPublish_declaredSizeMismatch(t *testing.T) {
	keyPath := writePrivateKey(t)
	archivePath := writeArchive(t, 400)
	service := newFakePublishService(t, nil, false)

	input := testInput(service, keyPath, archivePath)
	input.FileSizeBytes = 999

	_, err := newTestPublisher().Publish(input)
	require.Error(t, err)

	var preconditionErr PreconditionError
	assert.ErrorAs(t, err, &preconditionErr)
	assert.Empty(t, service.mutatingCalls, "size mismatch must abort before any network call")
}

func TestPublish_preconditions(t *testing.T) {
	keyPath := writePrivateKey(t)
	archivePath := writeArchive(t, 400)
	service := newFakePublishService(t, nil, false)

	tests := []struct {
		name   string
		mutate func(input *PublishInput)
	}{
		{
			name:   "missing app ID",
			mutate: func(input *PublishInput) { input.AppID = "" },
		},
		{
			name:   "missing identifier",
			mutate: func(input *PublishInput) { input.Identifier = " " },
		},
		{
			name:   "missing API base URL",
			mutate: func(input *PublishInput) { input.APIBaseURL = "" },
		},
		{
			name:   "missing key ID",
			mutate: func(input *PublishInput) { input.KeyID = "" },
		},
		{
			name: "missing private key file",
			mutate: func(input *PublishInput) {
				input.PrivateKeyPath = filepath.Join(os.TempDir(), "no-such-key.p8")
			},
		},
		{
			name: "neither archive nor paths",
			mutate: func(input *PublishInput) {
				input.ArchivePath = ""
				input.Paths = nil
			},
		},
		{
			name: "missing archive file",
			mutate: func(input *PublishInput) {
				input.ArchivePath = filepath.Join(os.TempDir(), "no-such-archive.tzst")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := testInput(service, keyPath, archivePath)
			tt.mutate(&input)

			_, err := newTestPublisher().Publish(input)
			require.Error(t, err)

			var preconditionErr PreconditionError
			assert.ErrorAs(t, err, &preconditionErr)
		})
	}
}

func TestPublish_buildsArchiveFromPaths(t *testing.T) {
	keyPath := writePrivateKey(t)
	service := newFakePublishService(t, nil, false)

	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "model.bin"), []byte("model payload"), 0644))

	input := testInput(service, keyPath, "")
	input.Paths = []string{sourceDir}

	result, err := newTestPublisher().Publish(input)
	require.NoError(t, err)

	assert.Equal(t, "AWAITING_PROCESSING", result.State)
	assert.True(t, service.uploadedBytes > 0, "compressed archive should have been uploaded")
}
