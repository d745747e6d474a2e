package internal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// TrackData 資料包中的賽道
type TrackData struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Length          float64      `json:"length"`
	Width           float64      `json:"width"`
	CheckpointCount int          `json:"checkpointCount"`
	Layout          []TrackPoint `json:"layout"`
}

// AIModelData 資料包中的 AI 模型
type AIModelData struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	UserID       string       `json:"userId"`
	Generation   int          `json:"generation"`
	Weights      []float64    `json:"weights"`
	Architecture Architecture `json:"architecture"`
}

// RacePackage 比賽資料包
//
// 每次設定比賽時重新組裝，不持久化。AIModels 與設定中的
// aiModelIds 一一對應，順序相同。
type RacePackage struct {
	Track        TrackData     `json:"track"`
	AIModels     []AIModelData `json:"aiModels"`
	RaceSettings RaceSettings  `json:"raceSettings"`
	BuiltAt      time.Time     `json:"builtAt"`
}

// Builder 比賽資料包組裝器
type Builder struct {
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewBuilder 創建組裝器
func NewBuilder(catalog Catalog, logger *slog.Logger) *Builder {
	return &Builder{
		catalog: catalog,
		logger:  logger.With("component", "race_package_builder"),
		now:     time.Now,
	}
}

// BuildRacePackage 組裝比賽資料包
//
// 錯誤：
//   - INVALID_INPUT：設定結構不合法
//   - NOT_FOUND：賽道不存在，或有 AI 模型不存在（Details 列出缺少的 ID）
func (b *Builder) BuildRacePackage(ctx context.Context, cfg *RaceConfiguration) (*RacePackage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	track, err := b.catalog.GetTrack(ctx, cfg.TrackID)
	if err != nil {
		return nil, err
	}

	models, err := b.resolveModels(ctx, cfg.AIModelIDs)
	if err != nil {
		return nil, err
	}

	layout := ParseTrackLayout(track.Layout)
	pkg := &RacePackage{
		Track: TrackData{
			ID:              track.ID,
			Name:            track.Name,
			Description:     track.Description,
			Length:          track.Length,
			Width:           track.Width,
			CheckpointCount: CountCheckpoints(layout),
			Layout:          layout,
		},
		AIModels:     make([]AIModelData, 0, len(cfg.AIModelIDs)),
		RaceSettings: *cfg.RaceSettings,
		BuiltAt:      b.now(),
	}

	for _, id := range cfg.AIModelIDs {
		pkg.AIModels = append(pkg.AIModels, modelData(models[id]))
	}

	b.logger.Debug("race package built",
		"track_id", track.ID,
		"models", len(pkg.AIModels),
		"layout_points", len(layout),
	)
	return pkg, nil
}

// ValidateRaceConfiguration 預檢設定，所有錯誤都轉為 false
func (b *Builder) ValidateRaceConfiguration(ctx context.Context, cfg *RaceConfiguration) bool {
	if err := cfg.Validate(); err != nil {
		return false
	}
	if _, err := b.catalog.GetTrack(ctx, cfg.TrackID); err != nil {
		return false
	}
	_, err := b.resolveModels(ctx, cfg.AIModelIDs)
	return err == nil
}

// resolveModels 查詢所有模型，任何一個缺少就返回列出全部缺少 ID 的錯誤
func (b *Builder) resolveModels(ctx context.Context, ids []string) (map[string]*AIModel, error) {
	found, err := b.catalog.GetAIModels(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load ai models: %w", err)
	}

	byID := make(map[string]*AIModel, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}

	var missing []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok && !seen[id] {
			missing = append(missing, id)
		}
		seen[id] = true
	}
	if len(missing) > 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound,
			"ai models not found: %s", strings.Join(missing, ", ")).
			WithDetails(strings.Join(missing, ","))
	}
	return byID, nil
}

func modelData(m *AIModel) AIModelData {
	data := AIModelData{
		ID:         m.ID,
		Name:       m.Name,
		UserID:     m.UserID,
		Generation: m.Generation,
		Weights:    []float64{},
	}

	best, ok := BestGenome(m.Genomes)
	if !ok {
		data.Architecture = DefaultArchitecture()
		return data
	}
	data.Weights = best.Weights()
	data.Architecture = best.Architecture()
	return data
}
