package internal

import (
	"bytes"
	"encoding/json"
)

// PointType 賽道點類型
type PointType string

const (
	PointTrack      PointType = "track"
	PointCheckpoint PointType = "checkpoint"
	PointStart      PointType = "start"
	PointFinish     PointType = "finish"
)

// Valid 只接受四種類型
func (t PointType) Valid() bool {
	switch t {
	case PointTrack, PointCheckpoint, PointStart, PointFinish:
		return true
	}
	return false
}

// TrackPoint 賽道上的 3D 點
type TrackPoint struct {
	X    float64   `json:"x"`
	Y    float64   `json:"y"`
	Z    float64   `json:"z"`
	Type PointType `json:"type"`
}

// ParseTrackLayout 解析儲存的賽道佈局
//
// 接受三種表示：
//   - 點陣列 [{"x":..,"y":..,"z":..,"type":..}, ...]
//   - 序列化成 JSON 字串的點陣列
//   - {"points": [...]} 物件
//
// 格式錯誤的點被略過而不是讓整個解析失敗：x、y 必須是數字，
// z 可省略（視為 0），type 必須是四種類型之一。無法解析時返回空切片。
func ParseTrackLayout(raw json.RawMessage) []TrackPoint {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []TrackPoint{}
	}

	// 字串形式：先解一層
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return []TrackPoint{}
		}
		return ParseTrackLayout(json.RawMessage(encoded))
	}

	var entries []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &entries); err != nil {
			return []TrackPoint{}
		}
	case '{':
		var wrapper struct {
			Points []json.RawMessage `json:"points"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return []TrackPoint{}
		}
		entries = wrapper.Points
	default:
		return []TrackPoint{}
	}

	points := make([]TrackPoint, 0, len(entries))
	for _, entry := range entries {
		if p, ok := parseTrackPoint(entry); ok {
			points = append(points, p)
		}
	}
	return points
}

func parseTrackPoint(raw json.RawMessage) (TrackPoint, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return TrackPoint{}, false
	}

	x, okX := fields["x"].(float64)
	y, okY := fields["y"].(float64)
	if !okX || !okY {
		return TrackPoint{}, false
	}

	var z float64
	if v, present := fields["z"]; present && v != nil {
		zv, ok := v.(float64)
		if !ok {
			return TrackPoint{}, false
		}
		z = zv
	}

	typ, _ := fields["type"].(string)
	pt := PointType(typ)
	if !pt.Valid() {
		return TrackPoint{}, false
	}

	return TrackPoint{X: x, Y: y, Z: z, Type: pt}, true
}

// CountCheckpoints 計算檢查點數量
func CountCheckpoints(points []TrackPoint) int {
	n := 0
	for _, p := range points {
		if p.Type == PointCheckpoint {
			n++
		}
	}
	return n
}
