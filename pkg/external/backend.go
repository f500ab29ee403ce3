package external

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cryo-specimen-server/internal/domain"
)

const (
	defaultBackendTimeout   = 15 * time.Second
	defaultBackendRateLimit = 50
	defaultBackendRetries   = 2
	defaultBackendRetryWait = 200 * time.Millisecond
)

// BackendClient implements domain.Store over the REST contract of another
// cryo-specimen server. Reads are retried on transient failures; writes are
// sent once so an import is never applied twice.
type BackendClient struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cache   *CacheClient
	logger  *logrus.Logger
}

var _ domain.Store = (*BackendClient)(nil)

// NewBackendClient creates a new backend client
func NewBackendClient(config domain.BackendConfig, logger *logrus.Logger) *BackendClient {
	if config.Timeout == 0 {
		config.Timeout = defaultBackendTimeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultBackendRateLimit
	}
	if config.RetryCount == 0 {
		config.RetryCount = defaultBackendRetries
	}
	if config.RetryWait == 0 {
		config.RetryWait = defaultBackendRetryWait
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(config.RetryWait).
		SetRetryMaxWaitTime(4 * config.RetryWait).
		AddRetryCondition(retryReads)
	if config.APIKey != "" {
		client.SetHeader("X-API-Key", config.APIKey)
	}

	return &BackendClient{
		client:  client,
		breaker: newBreaker("CryoBackend", config.BreakerTimeout, logger),
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit),
		logger:  logger,
	}
}

// WithCache enables the Redis location cache
func (c *BackendClient) WithCache(cache *CacheClient) *BackendClient {
	c.cache = cache
	return c
}

// retryReads retries GET requests that failed on the network or with a server error
func retryReads(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return resp.Request.Context().Err() == nil
	}
	return resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests
}

// call sends one request through the limiter and breaker and decodes the error envelope
func (c *BackendClient) call(ctx context.Context, op string, prepare func(*resty.Request) (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.client.R().SetContext(ctx).SetError(&domain.APIError{})
		resp, err := prepare(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &domain.TransientIOError{Op: op, Err: err}
		}
		if resp.IsError() {
			return nil, responseError(op, resp)
		}
		return nil, nil
	})
	if err != nil {
		err = breakerError(op, err)
		if domain.IsTransient(err) {
			c.logger.WithError(err).WithField("op", op).Warn("Backend request failed")
		}
		return err
	}
	return nil
}

// responseError rebuilds the typed error carried by an APIError envelope
func responseError(op string, resp *resty.Response) error {
	apiErr, _ := resp.Error().(*domain.APIError)
	if apiErr == nil || apiErr.Code == "" {
		if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
			return &domain.TransientIOError{Op: op, Err: fmt.Errorf("backend returned status %d", resp.StatusCode())}
		}
		return domain.NewAPIError(domain.ErrInternalServer, fmt.Sprintf("%s: unexpected status %d", op, resp.StatusCode()), resp.String(), "")
	}
	return domain.ErrorFromCode(apiErr.Code, apiErr.Message, apiErr.Fields)
}

// CreateSample registers the sample with the backend, keeping its id and code
func (c *BackendClient) CreateSample(ctx context.Context, sample *domain.Sample) error {
	var created domain.Sample
	err := c.call(ctx, "create sample", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(domain.NewSampleRequest{
			ID:               sample.ID,
			Code:             sample.Code,
			Type:             sample.Type,
			PatientID:        sample.PatientID,
			TreatmentCycleID: sample.TreatmentCycleID,
			CollectionDate:   sample.CollectionDate,
			Notes:            sample.Notes,
		}).SetResult(&created).Post("/api/v1/samples")
	})
	if err != nil {
		return err
	}
	*sample = created
	return nil
}

// GetSample fetches one sample
func (c *BackendClient) GetSample(ctx context.Context, id string) (*domain.Sample, error) {
	var sample domain.Sample
	err := c.call(ctx, "get sample", func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", id).SetResult(&sample).Get("/api/v1/samples/{id}")
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// ListSamplesByPatient lists the samples of a patient
func (c *BackendClient) ListSamplesByPatient(ctx context.Context, patientID string) ([]*domain.Sample, error) {
	var samples []*domain.Sample
	err := c.call(ctx, "list samples", func(req *resty.Request) (*resty.Response, error) {
		return req.SetQueryParam("patientId", patientID).SetResult(&samples).Get("/api/v1/samples")
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// SaveSampleDetails writes the quality payload and then the detail fields.
// The backend merges the payload, so a field cleared locally is not cleared remotely.
func (c *BackendClient) SaveSampleDetails(ctx context.Context, sample *domain.Sample) error {
	if sample.Quality != nil {
		path := "/api/v1/samples/{id}/" + qualityPath(sample.Type)
		err := c.call(ctx, "save quality", func(req *resty.Request) (*resty.Response, error) {
			return req.SetPathParam("id", sample.ID).SetBody(sample.Quality).Patch(path)
		})
		if err != nil {
			return err
		}
	}

	cycle := sample.CycleTag()
	patch := domain.SampleDetailsPatch{
		Notes:            &sample.Notes,
		TreatmentCycleID: &cycle,
		IsAvailable:      &sample.IsAvailable,
		CanFrozen:        &sample.CanFrozen,
		CanFertilize:     &sample.CanFertilize,
	}
	return c.call(ctx, "save sample details", func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", sample.ID).SetBody(patch).Patch("/api/v1/samples/{id}")
	})
}

// CompareAndSetStatus asks the backend for a conditional transition
func (c *BackendClient) CompareAndSetStatus(ctx context.Context, id string, from, to domain.SampleStatus) (*domain.Sample, error) {
	var sample domain.Sample
	err := c.call(ctx, "transition sample", func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", id).
			SetBody(domain.TransitionRequest{Status: to, ExpectedStatus: from}).
			SetResult(&sample).
			Post("/api/v1/samples/{id}/transitions")
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// GetRoots lists the tanks
func (c *BackendClient) GetRoots(ctx context.Context) ([]*domain.CryoLocationNode, error) {
	return c.cachedLocations(ctx, rootsCacheKey(), func() ([]*domain.CryoLocationNode, error) {
		var nodes []*domain.CryoLocationNode
		err := c.call(ctx, "list roots", func(req *resty.Request) (*resty.Response, error) {
			return req.SetResult(&nodes).Get("/api/v1/cryo-locations/roots")
		})
		return nodes, err
	})
}

// GetChildren lists the direct children of a location
func (c *BackendClient) GetChildren(ctx context.Context, parentID string) ([]*domain.CryoLocationNode, error) {
	return c.cachedLocations(ctx, childrenCacheKey(parentID), func() ([]*domain.CryoLocationNode, error) {
		var nodes []*domain.CryoLocationNode
		err := c.call(ctx, "list children", func(req *resty.Request) (*resty.Response, error) {
			return req.SetPathParam("id", parentID).SetResult(&nodes).Get("/api/v1/cryo-locations/{id}/children")
		})
		return nodes, err
	})
}

// GetLocation fetches one location
func (c *BackendClient) GetLocation(ctx context.Context, id string) (*domain.CryoLocationNode, error) {
	nodes, err := c.cachedLocations(ctx, nodeCacheKey(id), func() ([]*domain.CryoLocationNode, error) {
		var node domain.CryoLocationNode
		err := c.call(ctx, "get location", func(req *resty.Request) (*resty.Response, error) {
			return req.SetPathParam("id", id).SetResult(&node).Get("/api/v1/cryo-locations/{id}")
		})
		if err != nil {
			return nil, err
		}
		return []*domain.CryoLocationNode{&node}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &domain.NotFoundError{Entity: "location", ID: id}
	}
	return nodes[0], nil
}

// cachedLocations serves a location read from the cache, falling back to fetch.
// Nodes are stored without their tree view fields.
func (c *BackendClient) cachedLocations(ctx context.Context, key string, fetch func() ([]*domain.CryoLocationNode, error)) ([]*domain.CryoLocationNode, error) {
	if c.cache != nil {
		nodes, ok, err := c.cache.GetLocations(ctx, key)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Location cache read failed")
		} else if ok {
			return nodes, nil
		}
	}

	nodes, err := fetch()
	if err != nil {
		return nil, err
	}
	for i, node := range nodes {
		nodes[i] = node.Clone()
	}

	if c.cache != nil {
		if err := c.cache.SetLocations(ctx, key, nodes, 0); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Location cache write failed")
		}
	}
	return nodes, nil
}

// CreateLocation provisions one topology node
func (c *BackendClient) CreateLocation(ctx context.Context, node *domain.CryoLocationNode) error {
	var created domain.CryoLocationNode
	err := c.call(ctx, "create location", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(node).SetResult(&created).Post("/api/v1/cryo-locations")
	})
	if err != nil {
		return err
	}
	*node = created
	c.invalidate(ctx)
	return nil
}

// ListImportsBySlot returns the ledger of a slot
func (c *BackendClient) ListImportsBySlot(ctx context.Context, slotID string) ([]*domain.CryoImportRecord, error) {
	return c.imports(ctx, "slotId", slotID)
}

// ListImportsBySample returns the ledger of a sample
func (c *BackendClient) ListImportsBySample(ctx context.Context, sampleID string) ([]*domain.CryoImportRecord, error) {
	return c.imports(ctx, "sampleId", sampleID)
}

func (c *BackendClient) imports(ctx context.Context, param, value string) ([]*domain.CryoImportRecord, error) {
	var records []*domain.CryoImportRecord
	err := c.call(ctx, "list imports", func(req *resty.Request) (*resty.Response, error) {
		return req.SetQueryParam(param, value).SetResult(&records).Get("/api/v1/cryo-imports")
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AppendImport appends a raw ledger record
func (c *BackendClient) AppendImport(ctx context.Context, record *domain.CryoImportRecord) error {
	var created domain.CryoImportRecord
	err := c.call(ctx, "append import", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(record).SetResult(&created).Post("/api/v1/cryo-imports/records")
	})
	if err != nil {
		return err
	}
	*record = created
	c.invalidate(ctx)
	return nil
}

// CommitImport sends the import, or the move when From equals To. The
// backend re-verifies every precondition under its own slot lock.
func (c *BackendClient) CommitImport(ctx context.Context, commit domain.ImportCommit) (*domain.CryoImportRecord, error) {
	if commit.Record == nil {
		return nil, domain.NewValidationError("record", "record is required", nil)
	}
	req := domain.ImportRequest{
		SampleID:    commit.Record.SampleID,
		SlotID:      commit.Record.SlotID,
		ImportedBy:  commit.Record.ImportedBy,
		WitnessedBy: commit.Record.WitnessedBy,
		Temperature: commit.Record.Temperature,
		Reason:      commit.Record.Reason,
		Notes:       commit.Record.Notes,
	}
	path := "/api/v1/cryo-imports/moves"
	if commit.From != commit.To {
		req.Target = commit.To
		path = "/api/v1/cryo-imports"
	}

	var record domain.CryoImportRecord
	err := c.call(ctx, "commit import", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).SetResult(&record).Post(path)
	})
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx)
	return &record, nil
}

// invalidate drops cached location responses after a write changed counts or topology
func (c *BackendClient) invalidate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateLocations(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to invalidate location cache")
	}
}

// Close is a no-op; the cache connection is owned by the caller
func (c *BackendClient) Close() error {
	return nil
}

func qualityPath(t domain.SampleType) string {
	return strings.ToLower(string(t)) + "-quality"
}
