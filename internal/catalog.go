package internal

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// Track 持久化的賽道資料
//
// Layout 保留儲存時的原始表示：可能是點陣列，也可能是
// 序列化成 JSON 字串的點陣列。CheckpointCount 僅供參考，
// 組裝比賽資料包時會從 Layout 重新計算。
type Track struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Length          float64         `json:"length"`
	Width           float64         `json:"width"`
	CheckpointCount int             `json:"checkpointCount"`
	Layout          json.RawMessage `json:"layout"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// AIModel 持久化的 AI 模型及其候選基因組
type AIModel struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"userId"`
	Generation int       `json:"generation"`
	Genomes    []Genome  `json:"genomes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Catalog 賽道與 AI 模型的唯讀存取
//
// 實作：MemoryCatalog（開發、測試）、storage.PostgresCatalog、
// storage.CachedCatalog（Redis 快取層）。
type Catalog interface {
	// GetTrack 賽道不存在時返回 NOT_FOUND 錯誤
	GetTrack(ctx context.Context, id string) (*Track, error)

	// GetAIModels 返回找到的模型（順序不保證），缺少的 ID 不視為錯誤
	GetAIModels(ctx context.Context, ids []string) ([]*AIModel, error)
}

// MemoryCatalog 內存目錄
type MemoryCatalog struct {
	mu     sync.RWMutex
	tracks map[string]*Track
	models map[string]*AIModel
}

// NewMemoryCatalog 創建內存目錄
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tracks: make(map[string]*Track),
		models: make(map[string]*AIModel),
	}
}

// PutTrack 新增或覆蓋賽道
func (c *MemoryCatalog) PutTrack(track *Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *track
	cp.Layout = slices.Clone(track.Layout)
	c.tracks[track.ID] = &cp
}

// PutAIModel 新增或覆蓋 AI 模型
func (c *MemoryCatalog) PutAIModel(model *AIModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model.ID] = cloneModel(model)
}

// GetTrack 獲取賽道副本
func (c *MemoryCatalog) GetTrack(_ context.Context, id string) (*Track, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	track, exists := c.tracks[id]
	if !exists {
		return nil, apperrors.ErrTrackNotFound.WithDetails("track " + id)
	}
	cp := *track
	cp.Layout = slices.Clone(track.Layout)
	return &cp, nil
}

// GetAIModels 獲取存在的模型副本
func (c *MemoryCatalog) GetAIModels(_ context.Context, ids []string) ([]*AIModel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*AIModel, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if model, exists := c.models[id]; exists {
			result = append(result, cloneModel(model))
		}
	}
	return result, nil
}

func cloneModel(m *AIModel) *AIModel {
	cp := *m
	cp.Genomes = make([]Genome, len(m.Genomes))
	for i, g := range m.Genomes {
		cp.Genomes[i] = Genome{
			Fitness:     g.Fitness,
			Nodes:       slices.Clone(g.Nodes),
			Connections: slices.Clone(g.Connections),
		}
	}
	return &cp
}
