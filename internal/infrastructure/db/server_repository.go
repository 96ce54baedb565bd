package db

import (
	"context"
	"fmt"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type serverRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewServerRepository(db *gorm.DB, log *logger.Logger) ports.ServerRepository {
	return &serverRepository{db: db, log: log}
}

func (r *serverRepository) Create(ctx context.Context, server *domain.Server) error {
	if err := r.db.WithContext(ctx).Create(server).Error; err != nil {
		r.log.Errorw("server_repo_create_failed", "hostname", server.Hostname, "error", err)
		return err
	}
	r.log.Infow("server_repo_create_ok", "id", server.ID, "hostname", server.Hostname)
	return nil
}

func (r *serverRepository) GetByID(ctx context.Context, id uint) (*domain.Server, error) {
	var server domain.Server
	if err := r.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, notFound(err, "server", fmt.Sprint(id))
	}
	return &server, nil
}

func (r *serverRepository) GetByHostname(ctx context.Context, hostname string) (*domain.Server, error) {
	var server domain.Server
	if err := r.db.WithContext(ctx).Where("hostname = ?", hostname).First(&server).Error; err != nil {
		return nil, notFound(err, "server", hostname)
	}
	return &server, nil
}

func (r *serverRepository) ListServers(ctx context.Context, filter domain.ServerFilter) ([]domain.Server, error) {
	q := r.db.WithContext(ctx).Model(&domain.Server{})
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if len(filter.Hostnames) > 0 {
		q = q.Where("hostname IN ?", filter.Hostnames)
	}
	if filter.Setup != nil {
		q = q.Where("setup = ?", *filter.Setup)
	}

	var servers []domain.Server
	if err := q.Order("hostname").Find(&servers).Error; err != nil {
		r.log.Errorw("server_repo_list_failed", "error", err)
		return nil, err
	}
	r.log.Debugw("server_repo_list_ok", "count", len(servers))
	return servers, nil
}

func (r *serverRepository) MarkSetup(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&domain.Server{}).Where("id = ?", id).Updates(map[string]interface{}{
		"setup":  true,
		"status": domain.ServerStatusOnline,
	})
	if res.Error != nil {
		r.log.Errorw("server_repo_mark_setup_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Kind: "server", Name: fmt.Sprint(id)}
	}
	r.log.Infow("server_repo_mark_setup_ok", "id", id)
	return nil
}

func (r *serverRepository) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&domain.Server{}, id).Error; err != nil {
		r.log.Errorw("server_repo_delete_failed", "id", id, "error", err)
		return err
	}
	r.log.Infow("server_repo_delete_ok", "id", id)
	return nil
}
