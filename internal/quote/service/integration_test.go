//go:build integration

package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/repository"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/testutil"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 真实 postgres 上验证并发修订不会产生重复编号: go test -tags integration ./internal/quote/service/
func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("granite_test"),
		tcpostgres.WithUsername("granite"),
		tcpostgres.WithPassword("granite"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(entity.All()...))
	return db
}

func TestConcurrentRevisionsNeverShareReference(t *testing.T) {
	db := setupPostgres(t)
	testutil.SeedClient(t, db, "client-a", "ACME")
	testutil.SeedContact(t, db, "contact-a", "client-a", "Alice")
	testutil.SeedProject(t, db, "project-1", "P-001", "client-a")

	svc := service.NewServices(service.Deps{}.FromRepositories(repository.NewRepositories(db)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	contact := "contact-a"
	src, err := svc.Quote.Create(ctx, &service.CreateQuoteRequest{ProjectID: "project-1", ContactID: &contact}, "op")
	require.NoError(t, err)
	require.Equal(t, "P-001", src.Reference)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		refs   = map[string]int{}
		failed int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rev, err := svc.Revision.CreateRevision(ctx, src.ID, nil, "op")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// 两次都撞号时只允许 ReferenceConflict
				if apperr.CodeOf(err) != apperr.CodeReferenceConflict {
					t.Errorf("unexpected error: %v", err)
				}
				failed++
				return
			}
			refs[rev.Reference]++
		}()
	}
	close(start)
	wg.Wait()

	require.NotEmpty(t, refs)
	for ref, n := range refs {
		require.Equalf(t, 1, n, "reference %s issued %d times", ref, n)
	}
	require.Equal(t, workers, len(refs)+failed)

	quotes, err := svc.Quote.ListByProject(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, quotes, len(refs)+1)
}
