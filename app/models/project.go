package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Project is a tracked website a user monitors. Live refresh jobs always run
// against one project.
type Project struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"index;not null" json:"user_id"`
	Name      string         `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=1,max=150"`
	Domain    string         `gorm:"type:varchar(255);not null;index" json:"domain" validate:"required,fqdn,max=255"`
	Keywords  string         `gorm:"type:text" json:"keywords"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (p *Project) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// FindProjectForUser loads a project and verifies ownership in one query.
func FindProjectForUser(db *gorm.DB, projectID, userID uint) (*Project, error) {
	var p Project
	if err := db.Where("id = ? AND user_id = ?", projectID, userID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
