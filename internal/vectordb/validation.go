package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ValidateDimensions compares the documents collection schema against the
// configured embedding dimension. An unreachable collection is logged and
// skipped, a reachable one with the wrong size is a hard error.
func (c *Client) ValidateDimensions(ctx context.Context) error {
	if !c.Enabled() || c.cfg.ExpectedEmbeddingDim <= 0 {
		return nil
	}

	info, err := c.collectionInfo(ctx, c.cfg.Documents)
	if err != nil {
		c.logger.Warn("Collection info unavailable during dimension check",
			zap.String("collection", c.cfg.Documents),
			zap.Error(err))
		return nil
	}

	if info.VectorSize != c.cfg.ExpectedEmbeddingDim {
		return DimensionMismatchError{
			Collection:        c.cfg.Documents,
			ExpectedDimension: c.cfg.ExpectedEmbeddingDim,
			ActualDimension:   info.VectorSize,
		}
	}

	c.logger.Info("Collection dimension validated",
		zap.String("collection", c.cfg.Documents),
		zap.Int("dimension", info.VectorSize),
		zap.Int64("points", info.PointsCount))
	return nil
}

func (c *Client) collectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.base, collection), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collection info status %d", resp.StatusCode)
	}

	var parsed struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	return &CollectionInfo{
		Name:        collection,
		VectorSize:  parsed.Result.Config.Params.Vectors.Size,
		PointsCount: parsed.Result.PointsCount,
	}, nil
}
