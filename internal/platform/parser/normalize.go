package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EmbeddingShape names the response layouts the embeddings endpoint is known
// to produce.
type EmbeddingShape int

const (
	EmbeddingUnknown EmbeddingShape = iota
	// {"embedding": [...]}
	EmbeddingTop
	// {"data": {"embedding": [...]}}
	EmbeddingDataObject
	// {"data": [{"embedding": [...]}, ...]}
	EmbeddingDataList
)

func (s EmbeddingShape) String() string {
	switch s {
	case EmbeddingTop:
		return "top"
	case EmbeddingDataObject:
		return "data_object"
	case EmbeddingDataList:
		return "data_list"
	default:
		return "unknown"
	}
}

// ChunkListShape names where the chunk array lives in a parse result.
type ChunkListShape int

const (
	ChunksEmpty ChunkListShape = iota
	ChunksTopLevelArray
	ChunksKey
	ChunksDataKey
)

func (s ChunkListShape) String() string {
	switch s {
	case ChunksTopLevelArray:
		return "top_level_array"
	case ChunksKey:
		return "chunks_key"
	case ChunksDataKey:
		return "data_key"
	default:
		return "empty"
	}
}

type Chunk struct {
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

func (c Chunk) HasEmbedding() bool { return len(c.Embedding) > 0 }

func classifyEmbedding(raw json.RawMessage) (EmbeddingShape, []any) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return EmbeddingUnknown, nil
	}
	if vec, ok := obj["embedding"].([]any); ok {
		return EmbeddingTop, vec
	}
	switch data := obj["data"].(type) {
	case map[string]any:
		if vec, ok := data["embedding"].([]any); ok {
			return EmbeddingDataObject, vec
		}
	case []any:
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if vec, ok := m["embedding"].([]any); ok {
				return EmbeddingDataList, vec
			}
		}
	}
	return EmbeddingUnknown, nil
}

// NormalizeEmbedding extracts the vector from any known embedding layout.
func NormalizeEmbedding(raw json.RawMessage) ([]float32, EmbeddingShape, error) {
	shape, vals := classifyEmbedding(raw)
	if shape == EmbeddingUnknown {
		return nil, shape, fmt.Errorf("invalid embedding response")
	}
	vec, err := toFloat32s(vals)
	if err != nil {
		return nil, shape, err
	}
	if len(vec) == 0 {
		return nil, shape, fmt.Errorf("invalid embedding response: empty vector")
	}
	return vec, shape, nil
}

// classifyChunks finds the chunk array. A result whose "chunks" key is an
// object is unwrapped once more.
func classifyChunks(raw json.RawMessage) (ChunkListShape, []any) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ChunksEmpty, nil
	}
	return classifyChunkValue(v, true)
}

func classifyChunkValue(v any, unwrap bool) (ChunkListShape, []any) {
	switch t := v.(type) {
	case []any:
		return ChunksTopLevelArray, t
	case map[string]any:
		switch inner := t["chunks"].(type) {
		case []any:
			if len(inner) > 0 {
				return ChunksKey, inner
			}
		case map[string]any:
			if unwrap {
				shape, list := classifyChunkValue(inner, false)
				if shape == ChunksTopLevelArray {
					shape = ChunksKey
				}
				return shape, list
			}
		}
		if data, ok := t["data"].([]any); ok && len(data) > 0 {
			return ChunksDataKey, data
		}
	}
	return ChunksEmpty, nil
}

// NormalizeChunks returns every chunk in the payload. Chunks without an
// embedding are kept; callers decide whether to drop them.
func NormalizeChunks(raw json.RawMessage) (ChunkListShape, []Chunk) {
	shape, items := classifyChunks(raw)
	out := make([]Chunk, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, normalizeChunk(m))
	}
	return shape, out
}

func normalizeChunk(m map[string]any) Chunk {
	ch := Chunk{Content: firstString(m, "content", "text")}
	if vals, ok := m["embedding"].([]any); ok {
		if vec, err := toFloat32s(vals); err == nil {
			ch.Embedding = vec
		}
	}
	meta := map[string]any{}
	if src, ok := m["metadata"].(map[string]any); ok {
		for k, v := range src {
			meta[k] = v
		}
	}
	for _, k := range []string{"page", "pages", "page_number"} {
		if v, ok := m[k]; ok && v != nil {
			if _, exists := meta[k]; !exists {
				meta[k] = v
			}
		}
	}
	ch.Metadata = meta
	return ch
}

// NormalizeResult builds the typed view of a parse result.
func NormalizeResult(raw json.RawMessage) (ParseResult, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ParseResult{}, fmt.Errorf("parser result decode: %w", err)
	}
	shape, chunks := NormalizeChunks(raw)
	out := ParseResult{Raw: raw, Shape: shape, Chunks: chunks}
	if obj, ok := v.(map[string]any); ok {
		out.ParserVersion = firstString(obj, "parser_version")
		out.Source = firstString(obj, "source")
	}
	out.Pages = ExtractPages(raw)
	return out, nil
}

// ExtractPages reads the page count from "pages" (array length or integer),
// else "page_count". Nil means unknown.
func ExtractPages(raw json.RawMessage) *int {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	switch p := obj["pages"].(type) {
	case []any:
		n := len(p)
		return &n
	case float64:
		if p == math.Trunc(p) {
			n := int(p)
			return &n
		}
	}
	return toIntPtr(obj["page_count"])
}

type Usage struct {
	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
	Raw          json.RawMessage
}

func (u Usage) Empty() bool {
	return u.InputTokens == nil && u.OutputTokens == nil && u.TotalTokens == nil
}

// ExtractUsage reads token counts from payload.usage. A payload without a
// usage object but with token keys of its own is read directly.
func ExtractUsage(raw json.RawMessage) Usage {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Usage{}
	}
	u, ok := obj["usage"].(map[string]any)
	if !ok {
		if !hasAny(obj, "input_tokens", "prompt_tokens", "output_tokens", "completion_tokens", "total_tokens") {
			return Usage{}
		}
		u = obj
	}
	out := Usage{
		InputTokens:  firstInt(u, "input_tokens", "prompt_tokens"),
		OutputTokens: firstInt(u, "output_tokens", "completion_tokens"),
		TotalTokens:  toIntPtr(u["total_tokens"]),
	}
	if out.TotalTokens == nil && out.InputTokens != nil && out.OutputTokens != nil {
		total := *out.InputTokens + *out.OutputTokens
		out.TotalTokens = &total
	}
	out.Raw, _ = json.Marshal(u)
	return out
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func firstInt(m map[string]any, keys ...string) *int {
	for _, k := range keys {
		if v := toIntPtr(m[k]); v != nil && *v != 0 {
			return v
		}
	}
	for _, k := range keys {
		if v := toIntPtr(m[k]); v != nil {
			return v
		}
	}
	return nil
}

func toIntPtr(v any) *int {
	switch t := v.(type) {
	case float64:
		n := int(t)
		return &n
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch t := m[k].(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func toFloat32s(vals []any) ([]float32, error) {
	out := make([]float32, len(vals))
	for i, v := range vals {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("embedding element %d is %T, want number", i, v)
		}
		out[i] = float32(f)
	}
	return out, nil
}
