package partselect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/applianceworks/partsassist-backend/internal/domain/catalog"
	"github.com/applianceworks/partsassist-backend/internal/pkg/errs"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
)

const maxErrorBodyBytes = 1024

// Client is the boundary to the live parts catalog. Lookups are pure
// functions of their arguments; a missing part or model is errs.ErrNotFound,
// an incompatible pairing is a valid Compatibility result.
type Client interface {
	GetPart(ctx context.Context, partNumber string) (*catalog.Part, error)
	GetModel(ctx context.Context, modelNumber string) (*catalog.Model, error)
	CheckCompatibility(ctx context.Context, modelNumber, partNumber string) (*catalog.Compatibility, error)
}

type client struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	baseURL := strings.TrimSpace(os.Getenv("PARTSELECT_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://www.partselect.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 15
	if v := strings.TrimSpace(os.Getenv("PARTSELECT_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:     log.With("service", "PartSelectClient"),
		baseURL: baseURL,
		http:    &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (c *client) GetPart(ctx context.Context, partNumber string) (*catalog.Part, error) {
	partNumber = strings.TrimSpace(partNumber)
	if partNumber == "" {
		return nil, fmt.Errorf("part number required: %w", errs.ErrInvalidArgument)
	}

	path := "/api/search/?searchterm=" + url.QueryEscape(partNumber) + "&SearchMethod=standard"
	var out catalog.Part
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.PartNumber) == "" {
		return nil, fmt.Errorf("part %q: %w", partNumber, errs.ErrNotFound)
	}
	return &out, nil
}

func (c *client) GetModel(ctx context.Context, modelNumber string) (*catalog.Model, error) {
	modelNumber = strings.TrimSpace(modelNumber)
	if modelNumber == "" {
		return nil, fmt.Errorf("model number required: %w", errs.ErrInvalidArgument)
	}

	path := "/api/models/" + url.PathEscape(modelNumber)
	var out catalog.Model
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ModelName) == "" {
		return nil, fmt.Errorf("model %q: %w", modelNumber, errs.ErrNotFound)
	}
	return &out, nil
}

func (c *client) CheckCompatibility(ctx context.Context, modelNumber, partNumber string) (*catalog.Compatibility, error) {
	modelNumber = strings.TrimSpace(modelNumber)
	partNumber = strings.TrimSpace(partNumber)
	if modelNumber == "" || partNumber == "" {
		return nil, fmt.Errorf("model and part number required: %w", errs.ErrInvalidArgument)
	}

	path := "/api/models/" + url.PathEscape(modelNumber) + "/compatibility?part=" + url.QueryEscape(partNumber)
	var out catalog.Compatibility
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ModelLink) == "" {
		out.ModelLink = c.baseURL + "/Models/" + url.PathEscape(modelNumber) + "/"
	}
	return &out, nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return errs.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("catalog http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog decode failed: %w", err)
	}
	return nil
}
