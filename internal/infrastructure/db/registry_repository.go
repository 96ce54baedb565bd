package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type registryRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRegistryRepository(db *gorm.DB, log *logger.Logger) ports.ServiceRegistry {
	return &registryRepository{db: db, log: log}
}

// notFound maps gorm's missing-row error onto the domain taxonomy.
func notFound(err error, kind, name string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.NotFoundError{Kind: kind, Name: name}
	}
	return err
}

// ==================== Scopes ====================

func (r *registryRepository) GetScope(ctx context.Context, name string) (*domain.Scope, error) {
	var scope domain.Scope
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&scope).Error; err != nil {
		return nil, notFound(err, "scope", name)
	}
	return &scope, nil
}

func (r *registryRepository) CreateScope(ctx context.Context, name string) (*domain.Scope, error) {
	scope := &domain.Scope{Name: name}
	if err := r.db.WithContext(ctx).Create(scope).Error; err != nil {
		r.log.Errorw("registry_repo_create_scope_failed", "name", name, "error", err)
		return nil, err
	}
	r.log.Infow("registry_repo_create_scope_ok", "id", scope.ID, "name", name)
	return scope, nil
}

// ==================== Services ====================

func (r *registryRepository) ListServices(ctx context.Context, filter domain.ServiceFilter) ([]domain.Service, error) {
	q := r.db.WithContext(ctx).Model(&domain.Service{})
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if filter.ScopeID != nil {
		q = q.Where("scope_id = ?", *filter.ScopeID)
	}
	if len(filter.Names) > 0 {
		q = q.Where("name IN ?", filter.Names)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}

	var services []domain.Service
	if err := q.Order("id").Find(&services).Error; err != nil {
		r.log.Errorw("registry_repo_list_services_failed", "error", err)
		return nil, err
	}
	return services, nil
}

func (r *registryRepository) CreateService(ctx context.Context, name string, scopeID uint, spec domain.ServiceSpec) (*domain.Service, error) {
	svc := &domain.Service{
		ScopeID:      scopeID,
		Name:         name,
		Kind:         spec.Kind,
		ImageName:    spec.ImageName,
		ImageID:      spec.ImageID,
		Dependencies: domain.StringList(spec.Dependencies),
	}
	if err := r.db.WithContext(ctx).Create(svc).Error; err != nil {
		r.log.Errorw("registry_repo_create_service_failed", "name", name, "scope_id", scopeID, "error", err)
		return nil, err
	}
	r.log.Infow("registry_repo_create_service_ok", "id", svc.ID, "name", name, "image_id", svc.ImageID)
	return svc, nil
}

func (r *registryRepository) UpdateService(ctx context.Context, id uint, patch domain.ServicePatch) (*domain.Service, error) {
	var svc domain.Service
	if err := r.db.WithContext(ctx).First(&svc, id).Error; err != nil {
		return nil, notFound(err, "service", fmt.Sprint(id))
	}

	updates := map[string]interface{}{}
	if patch.ImageID != nil {
		updates["image_id"] = *patch.ImageID
	}
	if patch.Dependencies != nil {
		updates["dependencies"] = domain.StringList(patch.Dependencies)
	}
	if len(updates) == 0 {
		return &svc, nil
	}

	if err := r.db.WithContext(ctx).Model(&svc).Updates(updates).Error; err != nil {
		r.log.Errorw("registry_repo_update_service_failed", "id", id, "error", err)
		return nil, err
	}
	if err := r.db.WithContext(ctx).First(&svc, id).Error; err != nil {
		return nil, err
	}
	r.log.Infow("registry_repo_update_service_ok", "id", id, "image_id", svc.ImageID)
	return &svc, nil
}

// ==================== Instances ====================

func (r *registryRepository) ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error) {
	q := r.db.WithContext(ctx).Model(&domain.Instance{})
	if filter.ServiceID != nil {
		q = q.Where("service_id = ?", *filter.ServiceID)
	}
	if len(filter.ServerIDs) > 0 {
		q = q.Where("server_id IN ?", filter.ServerIDs)
	}

	var instances []domain.Instance
	if err := q.Order("id").Find(&instances).Error; err != nil {
		r.log.Errorw("registry_repo_list_instances_failed", "error", err)
		return nil, err
	}
	return instances, nil
}

func (r *registryRepository) CreateInstance(ctx context.Context, serviceID, serverID uint, imageID string) (*domain.Instance, error) {
	inst := &domain.Instance{ServiceID: serviceID, ServerID: serverID, ImageID: imageID}
	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		r.log.Errorw("registry_repo_create_instance_failed", "service_id", serviceID, "server_id", serverID, "error", err)
		return nil, err
	}
	r.log.Infow("registry_repo_create_instance_ok", "id", inst.ID, "service_id", serviceID, "server_id", serverID)
	return inst, nil
}

func (r *registryRepository) UpdateInstance(ctx context.Context, id uint, imageID string) error {
	res := r.db.WithContext(ctx).Model(&domain.Instance{}).Where("id = ?", id).Update("image_id", imageID)
	if res.Error != nil {
		r.log.Errorw("registry_repo_update_instance_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Kind: "instance", Name: fmt.Sprint(id)}
	}
	r.log.Infow("registry_repo_update_instance_ok", "id", id, "image_id", imageID)
	return nil
}

func (r *registryRepository) DeleteInstance(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&domain.Instance{}, id)
	if res.Error != nil {
		r.log.Errorw("registry_repo_delete_instance_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Kind: "instance", Name: fmt.Sprint(id)}
	}
	r.log.Infow("registry_repo_delete_instance_ok", "id", id)
	return nil
}
