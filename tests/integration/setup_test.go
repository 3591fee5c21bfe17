package integration

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/store"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://../../migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// --- seed helpers ---

func seedUser(t *testing.T, db *sql.DB, email, role string) *models.User {
	t.Helper()

	user, err := store.CreateUser(context.Background(), db, email, "Test "+role, role)
	if err != nil {
		t.Fatalf("Create user %s: %v", email, err)
	}
	return user
}

func seedAddress(t *testing.T, db *sql.DB, userID int64) *models.Address {
	t.Helper()

	addr, err := store.CreateAddress(context.Background(), db, models.Address{
		UserID:  userID,
		Label:   "home",
		Line1:   "1 Test Street",
		City:    "Khartoum",
		Country: "SD",
	})
	if err != nil {
		t.Fatalf("Create address: %v", err)
	}
	return addr
}

// seedCatalog sets up a seller, a product, and one variation with the given
// price and opening stock, returning both the variation and its owner.
func seedCatalog(t *testing.T, db *sql.DB, sku string, price decimal.Decimal, stock int) (*models.ProductVariation, store.Actor) {
	t.Helper()
	ctx := context.Background()

	seller := seedUser(t, db, sku+"-seller@example.com", models.RoleSeller)
	owner := store.Actor{ID: seller.ID, Role: models.RoleSeller}

	product, err := store.CreateProduct(ctx, db, seller.ID, "Product "+sku, "Test product")
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	variation, err := store.CreateVariation(ctx, db, store.CreateVariationRequest{
		ProductID:         product.ID,
		SKU:               sku,
		Attributes:        []byte(`{"size":"m"}`),
		Price:             price,
		Stock:             stock,
		LowStockThreshold: 2,
	}, owner)
	if err != nil {
		t.Fatalf("Create variation: %v", err)
	}

	return variation, owner
}

func seedVariation(t *testing.T, db *sql.DB, sku string, price decimal.Decimal, stock int) *models.ProductVariation {
	t.Helper()

	variation, _ := seedCatalog(t, db, sku, price, stock)
	return variation
}

func adminActor(t *testing.T, db *sql.DB, email string) store.Actor {
	t.Helper()

	admin := seedUser(t, db, email, models.RoleAdmin)
	return store.Actor{ID: admin.ID, Role: models.RoleAdmin}
}

func buyerActor(t *testing.T, db *sql.DB, email string) store.Actor {
	t.Helper()

	buyer := seedUser(t, db, email, models.RoleBuyer)
	return store.Actor{ID: buyer.ID, Role: models.RoleBuyer}
}

func sellerActor(t *testing.T, db *sql.DB, email string) store.Actor {
	t.Helper()

	seller := seedUser(t, db, email, models.RoleSeller)
	return store.Actor{ID: seller.ID, Role: models.RoleSeller}
}
