package repository

import (
	"context"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"gorm.io/gorm"
)

// PartyRepository 客户与联系人仓库
type PartyRepository struct {
	db *gorm.DB
}

func NewPartyRepository(db *gorm.DB) *PartyRepository {
	return &PartyRepository{db: db}
}

// FindClient 根据ID查找客户
func (r *PartyRepository) FindClient(ctx context.Context, id string) (*entity.Client, error) {
	var client entity.Client
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&client).Error; err != nil {
		return nil, notFound(err)
	}
	return &client, nil
}

// FindContact 根据ID查找联系人
func (r *PartyRepository) FindContact(ctx context.Context, id string) (*entity.Contact, error) {
	var contact entity.Contact
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&contact).Error; err != nil {
		return nil, notFound(err)
	}
	return &contact, nil
}

// ListContacts 客户的联系人
func (r *PartyRepository) ListContacts(ctx context.Context, clientID string) ([]entity.Contact, error) {
	var contacts []entity.Contact
	err := r.db.WithContext(ctx).Where("client_id = ?", clientID).Order("name").Find(&contacts).Error
	return contacts, err
}

func (r *PartyRepository) CreateClient(ctx context.Context, client *entity.Client) error {
	if client.ID == "" {
		client.ID = NewID()
	}
	return r.db.WithContext(ctx).Omit("Contacts").Create(client).Error
}

func (r *PartyRepository) CreateContact(ctx context.Context, contact *entity.Contact) error {
	if contact.ID == "" {
		contact.ID = NewID()
	}
	return r.db.WithContext(ctx).Create(contact).Error
}
