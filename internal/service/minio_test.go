//go:build integration

package service_test

import (
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"
)

const (
	minioUser     = "autotest"
	minioPassword = "autotest-secret"
	minioBucket   = "runs"
)

func TestMinioUploader(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped, needs a container runtime")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	endpoint, err := c.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	admin, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(minioUser, minioPassword, ""),
	})
	require.NoError(t, err)

	cfg := model.Minio{
		Endpoint:  "http://" + endpoint,
		AccessKey: minioUser,
		SecretKey: minioPassword,
		Bucket:    minioBucket,
		Prefix:    "/ci/",
	}

	t.Run("missing bucket", func(t *testing.T) {
		_, err := service.NewMinioUploader(ctx, cfg)
		require.ErrorContains(t, err, "does not exist")
	})

	require.NoError(t, admin.MakeBucket(ctx, minioBucket, minio.MakeBucketOptions{}))
	u, err := service.NewMinioUploader(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, u.Upload(ctx, "results/R1.json", []byte(`{"id":"R1","status":"passed"}`)))

	obj, err := admin.GetObject(ctx, minioBucket, "ci/results/R1.json", minio.GetObjectOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = obj.Close()
	})
	raw, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"R1","status":"passed"}`, string(raw))

	info, err := obj.Stat()
	require.NoError(t, err)
	require.Equal(t, "application/json", info.ContentType)
}
