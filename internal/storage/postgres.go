// Package storage 提供賽道與 AI 模型目錄的持久化實作
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-race-room/internal"
	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// PostgresCatalog 以 PostgreSQL 儲存的目錄
//
// 表結構見 internal/migrations。layout 欄位為 JSONB，內容可能是
// 點陣列，也可能是序列化後的字串；讀取時原樣返回，交由
// internal.ParseTrackLayout 解析。
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ internal.Catalog = (*PostgresCatalog)(nil)

// NewPostgresCatalog 創建 PostgreSQL 目錄
func NewPostgresCatalog(pool *pgxpool.Pool, logger *slog.Logger) *PostgresCatalog {
	return &PostgresCatalog{
		pool:   pool,
		logger: logger.With("component", "postgres_catalog"),
	}
}

// GetTrack 查詢賽道
func (c *PostgresCatalog) GetTrack(ctx context.Context, id string) (*internal.Track, error) {
	var (
		track  internal.Track
		layout []byte
	)
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, description, length, width, checkpoint_count, layout, created_at
		FROM tracks
		WHERE id = $1`, id).
		Scan(&track.ID, &track.Name, &track.Description, &track.Length, &track.Width,
			&track.CheckpointCount, &layout, &track.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrTrackNotFound.WithDetails("track " + id)
	}
	if err != nil {
		c.logger.Error("query track failed", "track_id", id, "error", err)
		return nil, fmt.Errorf("query track %s: %w", id, err)
	}

	track.Layout = layout
	return &track, nil
}

// GetAIModels 查詢模型及其基因組，缺少的 ID 不返回
func (c *PostgresCatalog) GetAIModels(ctx context.Context, ids []string) ([]*internal.AIModel, error) {
	if len(ids) == 0 {
		return []*internal.AIModel{}, nil
	}

	rows, err := c.pool.Query(ctx, `
		SELECT id, name, user_id, generation, created_at
		FROM ai_models
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query ai models: %w", err)
	}
	models, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*internal.AIModel, error) {
		m := &internal.AIModel{Genomes: []internal.Genome{}}
		err := row.Scan(&m.ID, &m.Name, &m.UserID, &m.Generation, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan ai models: %w", err)
	}
	if len(models) == 0 {
		return models, nil
	}

	byID := make(map[string]*internal.AIModel, len(models))
	found := make([]string, 0, len(models))
	for _, m := range models {
		byID[m.ID] = m
		found = append(found, m.ID)
	}

	rows, err = c.pool.Query(ctx, `
		SELECT model_id, fitness, nodes, connections
		FROM ai_genomes
		WHERE model_id = ANY($1)
		ORDER BY id`, found)
	if err != nil {
		return nil, fmt.Errorf("query ai genomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			modelID            string
			genome             internal.Genome
			nodes, connections []byte
		)
		if err := rows.Scan(&modelID, &genome.Fitness, &nodes, &connections); err != nil {
			return nil, fmt.Errorf("scan ai genome: %w", err)
		}
		if err := json.Unmarshal(nodes, &genome.Nodes); err != nil {
			return nil, fmt.Errorf("decode genome nodes of %s: %w", modelID, err)
		}
		if err := json.Unmarshal(connections, &genome.Connections); err != nil {
			return nil, fmt.Errorf("decode genome connections of %s: %w", modelID, err)
		}
		byID[modelID].Genomes = append(byID[modelID].Genomes, genome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ai genomes: %w", err)
	}

	return models, nil
}

// SaveTrack 新增或更新賽道
func (c *PostgresCatalog) SaveTrack(ctx context.Context, track *internal.Track) error {
	layout := []byte(track.Layout)
	if len(layout) == 0 {
		layout = []byte("[]")
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO tracks (id, name, description, length, width, checkpoint_count, layout)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			length = EXCLUDED.length,
			width = EXCLUDED.width,
			checkpoint_count = EXCLUDED.checkpoint_count,
			layout = EXCLUDED.layout`,
		track.ID, track.Name, track.Description, track.Length, track.Width,
		track.CheckpointCount, string(layout))
	if err != nil {
		return fmt.Errorf("save track %s: %w", track.ID, err)
	}
	return nil
}

// SaveAIModel 新增或更新模型，基因組整批取代
func (c *PostgresCatalog) SaveAIModel(ctx context.Context, model *internal.AIModel) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ai_models (id, name, user_id, generation)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				user_id = EXCLUDED.user_id,
				generation = EXCLUDED.generation`,
			model.ID, model.Name, model.UserID, model.Generation); err != nil {
			return fmt.Errorf("save ai model %s: %w", model.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM ai_genomes WHERE model_id = $1`, model.ID); err != nil {
			return fmt.Errorf("clear genomes of %s: %w", model.ID, err)
		}

		batch := &pgx.Batch{}
		for _, g := range model.Genomes {
			nodes, err := json.Marshal(nonNil(g.Nodes))
			if err != nil {
				return fmt.Errorf("encode genome nodes: %w", err)
			}
			connections, err := json.Marshal(nonNil(g.Connections))
			if err != nil {
				return fmt.Errorf("encode genome connections: %w", err)
			}
			batch.Queue(`
				INSERT INTO ai_genomes (model_id, fitness, nodes, connections)
				VALUES ($1, $2, $3, $4)`,
				model.ID, g.Fitness, string(nodes), string(connections))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert genomes of %s: %w", model.ID, err)
		}
		return nil
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
