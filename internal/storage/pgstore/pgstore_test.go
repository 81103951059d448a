package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGStore_Flow(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "courierbox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/courierbox_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	_, ok, err := st.Get(ctx, "deliveries:assigned")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Set(ctx, "deliveries:assigned", []byte(`[{"id":42}]`)))
	require.NoError(t, st.Set(ctx, "deliveries:assigned", []byte(`[{"id":43}]`)))

	b, ok, err := st.Get(ctx, "deliveries:assigned")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`[{"id":43}]`), b)

	require.NoError(t, st.Del(ctx, "deliveries:assigned", "deliveries:proofs"))
	_, ok, err = st.Get(ctx, "deliveries:assigned")
	require.NoError(t, err)
	require.False(t, ok)
}
