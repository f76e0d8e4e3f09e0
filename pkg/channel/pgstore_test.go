package channel_test

import (
	"context"
	"fmt"
	"math/big"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/klistr-network/ilp-relay/pkg/channel"
)

var tokenNetwork = common.HexToAddress("0x00000000000000000000000000000000000001")

func isDockerAvailable() bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.Command("docker", "info").Run() == nil
}

// newTestPgManager starts a disposable Postgres container, applies
// channel.PgSchema, and returns a ready PgManager, following the same
// skip-without-docker idiom as pkg/store/testutil.
func newTestPgManager(t *testing.T) (*channel.PgManager, func()) {
	t.Helper()
	if !isDockerAvailable() {
		t.Skip("docker is not available, skipping PgManager integration test")
	}
	ctx := context.Background()

	const (
		user     = "ilp_relay_channel_test"
		password = "test_password"
		dbName   = "ilp_relay_channel_test"
	)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("container port: %v", err)
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, mappedPort.Port(), dbName)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("connect pool: %v", err)
	}
	if _, err := pool.Exec(ctx, channel.PgSchema); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("apply schema: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("generate key: %v", err)
	}

	cleanup := func() {
		pool.Close()
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(termCtx); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	}
	return channel.NewPgManager(pool, key), cleanup
}

func TestPgManagerTrackAndSignBalanceProof(t *testing.T) {
	m, cleanup := newTestPgManager(t)
	defer cleanup()

	if err := m.Track("chan1", 1, tokenNetwork, 0, big.NewInt(0)); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !m.IsTracking("chan1") {
		t.Fatal("expected chan1 to be tracked")
	}

	sbp1, err := m.SignBalanceProof("chan1", big.NewInt(100))
	if err != nil {
		t.Fatalf("SignBalanceProof: %v", err)
	}
	if sbp1.Proof.Nonce != 1 {
		t.Fatalf("nonce=%d want 1", sbp1.Proof.Nonce)
	}
	if sbp1.Proof.TransferredAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("amount=%s want 100", sbp1.Proof.TransferredAmount)
	}

	sbp2, err := m.SignBalanceProof("chan1", big.NewInt(50))
	if err != nil {
		t.Fatalf("SignBalanceProof 2: %v", err)
	}
	if sbp2.Proof.Nonce != 2 {
		t.Fatalf("nonce=%d want 2", sbp2.Proof.Nonce)
	}
	if sbp2.Proof.TransferredAmount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("amount=%s want 150", sbp2.Proof.TransferredAmount)
	}

	nonce, ok := m.GetNonce("chan1")
	if !ok || nonce != 2 {
		t.Fatalf("GetNonce=%d,%v want 2,true", nonce, ok)
	}
	amount, ok := m.GetCumulativeAmount("chan1")
	if !ok || amount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("GetCumulativeAmount=%v,%v want 150,true", amount, ok)
	}
}

func TestPgManagerSignBalanceProofUnknownChannel(t *testing.T) {
	m, cleanup := newTestPgManager(t)
	defer cleanup()

	if _, err := m.SignBalanceProof("nope", big.NewInt(1)); err == nil {
		t.Fatal("expected error for untracked channel")
	}
}

func TestPgManagerTrackRejectsZeroChainOrTokenNetwork(t *testing.T) {
	m, cleanup := newTestPgManager(t)
	defer cleanup()

	if err := m.Track("chan1", 0, tokenNetwork, 0, nil); err == nil {
		t.Fatal("expected error for zero chainId")
	}
	if err := m.Track("chan1", 1, common.Address{}, 0, nil); err == nil {
		t.Fatal("expected error for zero tokenNetworkAddress")
	}
}

func TestPgManagerConcurrentSignBalanceProofHasNoLostUpdates(t *testing.T) {
	m, cleanup := newTestPgManager(t)
	defer cleanup()

	if err := m.Track("chan1", 1, tokenNetwork, 0, nil); err != nil {
		t.Fatalf("Track: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.SignBalanceProof("chan1", big.NewInt(1)); err != nil {
				t.Errorf("sign: %v", err)
			}
		}()
	}
	wg.Wait()

	nonce, _ := m.GetNonce("chan1")
	if nonce != 20 {
		t.Fatalf("nonce=%d want 20 (no lost updates under row-locked concurrent signing)", nonce)
	}
}
