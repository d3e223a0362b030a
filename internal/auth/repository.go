package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists principals. GetByEmail returns a nil principal when none exists.
type Store interface {
	Create(ctx context.Context, email, passwordHash, displayName string) (*Principal, error)
	GetByEmail(ctx context.Context, email string) (*Principal, string, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new principal and returns it.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*Principal, error) {
	p := &Principal{ID: uuid.New(), Email: email, DisplayName: displayName}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO principals (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, p.ID, p.Email, p.DisplayName, passwordHash).Scan(&p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByEmail returns the principal and password hash for login.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Principal, string, error) {
	var p Principal
	var passwordHash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM principals WHERE email = $1
	`, email).Scan(&p.ID, &p.Email, &p.DisplayName, &passwordHash, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &p, passwordHash, nil
}

// MemoryRepository keeps principals in process for the memory deployment.
type MemoryRepository struct {
	mu      sync.Mutex
	byEmail map[string]memoryPrincipal
}

type memoryPrincipal struct {
	p    Principal
	hash string
}

var _ Store = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byEmail: make(map[string]memoryPrincipal)}
}

func (m *MemoryRepository) Create(_ context.Context, email, passwordHash, displayName string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := m.byEmail[key]; ok {
		return nil, ErrDuplicateEmail
	}
	p := Principal{ID: uuid.New(), Email: email, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	m.byEmail[key] = memoryPrincipal{p: p, hash: passwordHash}
	return &p, nil
}

func (m *MemoryRepository) GetByEmail(_ context.Context, email string) (*Principal, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, "", nil
	}
	p := mp.p
	return &p, mp.hash, nil
}
