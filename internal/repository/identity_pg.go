package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/GoPolymarket/shieldgate/internal/auth"
	"github.com/GoPolymarket/shieldgate/internal/model"
)

// PostgresIdentityRepo persists identities provisioned at runtime. Lookups go by credential
// digest; raw credentials are never stored.
type PostgresIdentityRepo struct {
	db *gorm.DB
}

func NewPostgresIdentityRepo(db *gorm.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

func (r *PostgresIdentityRepo) GetByKeyHash(ctx context.Context, keyHash string) (*model.Identity, error) {
	var id model.Identity
	err := r.db.WithContext(ctx).Where("key_hash = ?", keyHash).Take(&id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *PostgresIdentityRepo) GetByID(ctx context.Context, id string) (*model.Identity, error) {
	var identity model.Identity
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	return r.db.WithContext(ctx).Create(identity).Error
}

func (r *PostgresIdentityRepo) UpdateState(ctx context.Context, id string, state model.AccountState) error {
	res := r.db.WithContext(ctx).Model(&model.Identity{}).Where("id = ?", id).Update("state", state)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return auth.ErrIdentityNotFound
	}
	return nil
}

func (r *PostgresIdentityRepo) List(ctx context.Context, limit int) ([]*model.Identity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var results []*model.Identity
	err := r.db.WithContext(ctx).Order("id").Limit(limit).Find(&results).Error
	return results, err
}
