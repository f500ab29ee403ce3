package external

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

const (
	defaultDirectoryTimeout   = 10 * time.Second
	defaultDirectoryCacheSize = 1000
)

// directory resolves ids against a read-only REST directory and keeps the
// answers in an LRU cache. Unknown ids are not cached.
type directory[T any] struct {
	client *resty.Client
	cache  *lru.Cache[string, *T]
	entity string
	path   string
	logger *logrus.Logger
}

func newDirectory[T any](baseURL, entity, path string, config domain.DirectoryConfig, logger *logrus.Logger) (*directory[T], error) {
	if config.Timeout == 0 {
		config.Timeout = defaultDirectoryTimeout
	}
	if config.CacheSize <= 0 {
		config.CacheSize = defaultDirectoryCacheSize
	}

	cache, err := lru.New[string, *T](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", entity, err)
	}

	return &directory[T]{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(config.Timeout).
			SetHeader("Accept", "application/json"),
		cache:  cache,
		entity: entity,
		path:   path,
		logger: logger,
	}, nil
}

func (d *directory[T]) get(ctx context.Context, id string) (*T, error) {
	if cached, ok := d.cache.Get(id); ok {
		return cached, nil
	}

	var result T
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&result).
		Get(d.path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.TransientIOError{Op: "lookup " + d.entity, Err: err}
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, &domain.NotFoundError{Entity: d.entity, ID: id}
	case resp.IsError():
		d.logger.WithFields(logrus.Fields{
			"entity": d.entity,
			"id":     id,
			"status": resp.StatusCode(),
		}).Warn("Directory lookup failed")
		return nil, &domain.TransientIOError{
			Op:  "lookup " + d.entity,
			Err: fmt.Errorf("directory returned status %d", resp.StatusCode()),
		}
	}

	d.cache.Add(id, &result)
	return &result, nil
}

// UserDirectoryClient resolves staff ids
type UserDirectoryClient struct {
	dir *directory[domain.User]
}

var _ domain.UserDirectory = (*UserDirectoryClient)(nil)

// NewUserDirectoryClient creates a client for GET {users_url}/users/{id}
func NewUserDirectoryClient(config domain.DirectoryConfig, logger *logrus.Logger) (*UserDirectoryClient, error) {
	dir, err := newDirectory[domain.User](config.UsersURL, "user", "/users/{id}", config, logger)
	if err != nil {
		return nil, err
	}
	return &UserDirectoryClient{dir: dir}, nil
}

// GetUser returns the user or a NotFoundError
func (c *UserDirectoryClient) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := c.dir.get(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *user
	return &cp, nil
}

// PatientDirectoryClient resolves patient ids
type PatientDirectoryClient struct {
	dir *directory[domain.Patient]
}

var _ domain.PatientDirectory = (*PatientDirectoryClient)(nil)

// NewPatientDirectoryClient creates a client for GET {patients_url}/patients/{id}
func NewPatientDirectoryClient(config domain.DirectoryConfig, logger *logrus.Logger) (*PatientDirectoryClient, error) {
	dir, err := newDirectory[domain.Patient](config.PatientsURL, "patient", "/patients/{id}", config, logger)
	if err != nil {
		return nil, err
	}
	return &PatientDirectoryClient{dir: dir}, nil
}

// GetPatient returns the patient or a NotFoundError
func (c *PatientDirectoryClient) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	patient, err := c.dir.get(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *patient
	return &cp, nil
}
