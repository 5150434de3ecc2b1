// Package timeline 项目时间线的内存模型：轨道、片段、约束和碰撞检查
package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"clipdeck/core/geometry"
	"clipdeck/core/pool"
	"clipdeck/model"
)

var (
	ErrOverlap        = errors.New("timeline: clip placement overlaps")
	ErrInvalidRange   = errors.New("timeline: invalid range")
	ErrClipNotFound   = errors.New("timeline: clip not found")
	ErrTrackNotFound  = errors.New("timeline: track not found")
	ErrDuplicateIndex = errors.New("timeline: duplicate track index")
)

// Timeline 一个项目的轨道和片段。不加锁，由会话循环串行访问
type Timeline struct {
	ProjectID string

	tracks    []*model.Track // 按 Index 排序
	trackByID map[string]*model.Track
	clips     map[string]*model.Clip
}

// New 校验并构建时间线
func New(projectID string, tracks []model.Track, clips []model.Clip) (*Timeline, error) {
	tl := &Timeline{
		ProjectID: projectID,
		trackByID: make(map[string]*model.Track, len(tracks)),
		clips:     make(map[string]*model.Clip, len(clips)),
	}

	indexes := make(map[int]string, len(tracks))
	for i := range tracks {
		t := tracks[i]
		if !t.Kind.Valid() {
			return nil, fmt.Errorf("track %s: unknown kind %q", t.ID, t.Kind)
		}
		if other, dup := indexes[t.Index]; dup {
			return nil, fmt.Errorf("%w: %d used by %s and %s", ErrDuplicateIndex, t.Index, other, t.ID)
		}
		indexes[t.Index] = t.ID
		tl.tracks = append(tl.tracks, &t)
		tl.trackByID[t.ID] = &t
	}
	sort.Slice(tl.tracks, func(i, j int) bool { return tl.tracks[i].Index < tl.tracks[j].Index })

	for i := range clips {
		if err := tl.AddClip(clips[i]); err != nil {
			return nil, err
		}
	}
	return tl, nil
}

// ValidateClip 检查片段自身的约束
func ValidateClip(c *model.Clip) error {
	if c.SourceStartMs < 0 || c.SourceStartMs >= c.SourceEndMs {
		return fmt.Errorf("%w: clip %s source [%d,%d]", ErrInvalidRange, c.ID, c.SourceStartMs, c.SourceEndMs)
	}
	if c.TimelineStartMs < 0 || c.TimelineStartMs >= c.TimelineEndMs {
		return fmt.Errorf("%w: clip %s timeline [%d,%d]", ErrInvalidRange, c.ID, c.TimelineStartMs, c.TimelineEndMs)
	}
	if c.Speed <= 0 {
		return fmt.Errorf("%w: clip %s speed %v", ErrInvalidRange, c.ID, c.Speed)
	}
	if c.Volume < 0 || c.Volume > 1 {
		return fmt.Errorf("%w: clip %s volume %v", ErrInvalidRange, c.ID, c.Volume)
	}
	if c.AssetDurationMs > 0 && c.SourceEndMs > c.AssetDurationMs {
		return fmt.Errorf("%w: clip %s source end %d beyond asset duration %d",
			ErrInvalidRange, c.ID, c.SourceEndMs, c.AssetDurationMs)
	}

	tlLen := float64(c.TimelineEndMs - c.TimelineStartMs)
	srcLen := float64(c.SourceEndMs - c.SourceStartMs)
	// 容差：1ms，或者慢放时一个源毫秒对应的时间线长度
	if math.Abs(tlLen-srcLen/c.Speed) > math.Max(1, 1/c.Speed) {
		return fmt.Errorf("%w: clip %s timeline length %v does not match source %v at speed %v",
			ErrInvalidRange, c.ID, tlLen, srcLen, c.Speed)
	}
	return nil
}

// MustValidate 开发期使用，约束不满足时直接 panic
func MustValidate(c *model.Clip) {
	if err := ValidateClip(c); err != nil {
		panic(err)
	}
}

// AddClip 校验后加入片段，和同轨道片段重叠时返回 ErrOverlap
func (t *Timeline) AddClip(c model.Clip) error {
	if _, ok := t.trackByID[c.TrackID]; !ok {
		return fmt.Errorf("%w: %s (clip %s)", ErrTrackNotFound, c.TrackID, c.ID)
	}
	if err := ValidateClip(&c); err != nil {
		return err
	}
	if err := t.CheckPlacement(c.TrackID, c.ID, c.TimelineStartMs, c.TimelineEndMs); err != nil {
		return err
	}
	t.clips[c.ID] = &c
	return nil
}

// RemoveClip 删除片段
func (t *Timeline) RemoveClip(id string) error {
	if _, ok := t.clips[id]; !ok {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	delete(t.clips, id)
	return nil
}

// CheckPlacement 检查 [start,end) 是否和同轨道其他片段重叠，exceptID 是正在移动的片段
func (t *Timeline) CheckPlacement(trackID, exceptID string, start, end int64) error {
	for _, o := range t.clips {
		if o.TrackID != trackID || o.ID == exceptID {
			continue
		}
		if geometry.Overlaps(start, end, o.TimelineStartMs, o.TimelineEndMs) {
			return fmt.Errorf("%w: [%d,%d] with clip %s [%d,%d]",
				ErrOverlap, start, end, o.ID, o.TimelineStartMs, o.TimelineEndMs)
		}
	}
	return nil
}

// Place 提交一次移动或缩放。先做碰撞和约束检查，失败时时间线保持不变
func (t *Timeline) Place(clipID string, mode geometry.Mode, p geometry.Placement) (model.Clip, error) {
	cur, ok := t.clips[clipID]
	if !ok {
		return model.Clip{}, fmt.Errorf("%w: %s", ErrClipNotFound, clipID)
	}
	next := *cur

	switch mode {
	case geometry.ModeMove:
		length := cur.TimelineEndMs - cur.TimelineStartMs
		next.TimelineStartMs = p.StartMs
		next.TimelineEndMs = p.StartMs + length
	case geometry.ModeResizeStart:
		next.TimelineStartMs = p.StartMs
		next.SourceStartMs = cur.SourceEndMs - sourceLength(next.TimelineEndMs-next.TimelineStartMs, cur.Speed)
	case geometry.ModeResizeEnd:
		next.TimelineEndMs = p.EndMs
		next.SourceEndMs = cur.SourceStartMs + sourceLength(next.TimelineEndMs-next.TimelineStartMs, cur.Speed)
	default:
		return model.Clip{}, fmt.Errorf("timeline: unknown placement mode %d", mode)
	}

	if err := ValidateClip(&next); err != nil {
		return *cur, err
	}
	if err := t.CheckPlacement(next.TrackID, next.ID, next.TimelineStartMs, next.TimelineEndMs); err != nil {
		return *cur, err
	}
	t.clips[clipID] = &next
	return next, nil
}

func sourceLength(timelineMs int64, speed float64) int64 {
	return int64(math.Round(float64(timelineMs) * speed))
}

// Clip 返回片段副本
func (t *Timeline) Clip(id string) (model.Clip, bool) {
	c, ok := t.clips[id]
	if !ok {
		return model.Clip{}, false
	}
	return *c, true
}

// Track 返回轨道副本
func (t *Timeline) Track(id string) (model.Track, bool) {
	tr, ok := t.trackByID[id]
	if !ok {
		return model.Track{}, false
	}
	return *tr, true
}

// Tracks 按 Index 顺序返回轨道
func (t *Timeline) Tracks() []model.Track {
	out := make([]model.Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, *tr)
	}
	return out
}

// TrackClips 按时间线起点排序的轨道片段
func (t *Timeline) TrackClips(trackID string) []model.Clip {
	var out []model.Clip
	for _, c := range t.clips {
		if c.TrackID == trackID {
			out = append(out, *c)
		}
	}
	sortClips(out)
	return out
}

// Clips 按轨道顺序、再按起点排序的全部片段
func (t *Timeline) Clips() []model.Clip {
	out := make([]model.Clip, 0, len(t.clips))
	for _, tr := range t.tracks {
		out = append(out, t.TrackClips(tr.ID)...)
	}
	return out
}

func sortClips(cs []model.Clip) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].TimelineStartMs != cs[j].TimelineStartMs {
			return cs[i].TimelineStartMs < cs[j].TimelineStartMs
		}
		return cs[i].ID < cs[j].ID
	})
}

// Neighbors 同轨道其他片段的像素区间，供拖拽吸附使用
func (t *Timeline) Neighbors(clipID string, scale float64) []geometry.Span {
	c, ok := t.clips[clipID]
	if !ok {
		return nil
	}
	var spans []geometry.Span
	for _, o := range t.TrackClips(c.TrackID) {
		if o.ID == clipID {
			continue
		}
		spans = append(spans, geometry.Span{
			Start: geometry.TimeToPixels(o.TimelineStartMs, scale),
			End:   geometry.TimeToPixels(o.TimelineEndMs, scale),
		})
	}
	return spans
}

// DurationMs 最远片段终点加上 padding；没有片段时为 0
func (t *Timeline) DurationMs(paddingMs int64) int64 {
	var end int64
	for _, c := range t.clips {
		if c.TimelineEndMs > end {
			end = c.TimelineEndMs
		}
	}
	if end == 0 {
		return 0
	}
	return end + paddingMs
}

// MarkMissing 把引用该素材的片段标记为缺失，返回受影响的片段
func (t *Timeline) MarkMissing(assetID string) []string {
	var ids []string
	for _, c := range t.clips {
		if c.AssetID != nil && *c.AssetID == assetID && !c.Missing {
			c.Missing = true
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResolveKey 片段在地址解析中使用的标识。
// 外部片段用 external_ 前缀，缺失片段用 missing_ 前缀，没有可解析内容时返回空串
func ResolveKey(c *model.Clip) string {
	switch {
	case c.Missing && c.AssetID != nil:
		return model.MissingAssetPrefix + *c.AssetID
	case c.AssetID != nil && *c.AssetID != "":
		return *c.AssetID
	case c.ExternalURL() != "":
		return model.ExternalAssetPrefix + c.ID
	default:
		return ""
	}
}

// AssetIDs 去重排序后的解析标识集合
func (t *Timeline) AssetIDs() []string {
	seen := make(map[string]struct{}, len(t.clips))
	ids := make([]string, 0, len(t.clips))
	for _, c := range t.clips {
		key := ResolveKey(c)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, key)
	}
	sort.Strings(ids)
	return ids
}

// AudioTracks 把带音频的片段转换为池的轨道描述。
// 外部片段的解析结果为空，回落到片段属性里的地址；缺失或没有地址的片段跳过
func (t *Timeline) AudioTracks(urls map[string]string) []pool.Track {
	var out []pool.Track
	for _, c := range t.Clips() {
		tr, ok := t.trackByID[c.TrackID]
		if !ok || !tr.Kind.AudioBearing() || c.Missing {
			continue
		}
		key := ResolveKey(&c)
		url := urls[key]
		if url == "" && model.ClassifyAssetID(key) == model.AssetExternal {
			url = c.ExternalURL()
		}
		if url == "" {
			continue
		}
		out = append(out, pool.Track{
			ID:      c.ID,
			URL:     url,
			Volume:  c.Volume,
			Speed:   c.Speed,
			StartMs: c.TimelineStartMs,
			EndMs:   c.TimelineEndMs,

			SourceStartMs: c.SourceStartMs,
		})
	}
	return out
}
