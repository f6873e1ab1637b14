// Package backfill plans embedding-only jobs: samples that already have
// features but lack an embedding for the current model. Members sharing a
// content hash decode at most once, and cache hits skip decode entirely.
package backfill

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"cratedig/internal/analysis"
	"cratedig/internal/fingerprint"
	"cratedig/internal/jobstore"
)

// Payload is the member list a backfill job carries, serialized as JSON
// into the job's content_hash column.
type Payload struct {
	SampleIDs []string `json:"sample_ids"`
}

// EncodePayload serializes a member list for enqueueing.
func EncodePayload(sampleIDs []string) (string, error) {
	data, err := json.Marshal(Payload{SampleIDs: sampleIDs})
	if err != nil {
		return "", fmt.Errorf("encode backfill payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses a job's member list.
func DecodePayload(raw string) ([]string, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode backfill payload: %w", err)
	}
	if len(payload.SampleIDs) == 0 {
		return nil, fmt.Errorf("decode backfill payload: no sample ids")
	}
	return payload.SampleIDs, nil
}

// Group is one content hash that must be decoded, with every member sample
// that shares those bytes.
type Group struct {
	ContentHash string
	SampleIDs   []string
}

// Ready is a cache hit: the embedding already exists for the hash and can
// be applied to its members without decoding.
type Ready struct {
	SampleIDs []string
	Cached    jobstore.CachedEmbedding
}

// Plan partitions a backfill job's members into apply-now and must-decode
// work, deduplicated by content hash.
type Plan struct {
	Ready   []Ready
	Work    []Group
	Missing []string
}

// DecodeCount returns the number of decode operations the plan requires.
func (p Plan) DecodeCount() int {
	return len(p.Work)
}

// DecodedGroup pairs a work group with the audio decoded from one of its
// members. Every member shares the content hash, so one decode stands in
// for all of them.
type DecodedGroup struct {
	Group Group
	Audio *analysis.DecodedAudio
}

// Decoded is a plan whose work groups carry audio, ready for the analysis
// stage to embed and write.
type Decoded struct {
	Ready   []Ready
	Groups  []DecodedGroup
	Missing []string
	// Undecodable lists content hashes none of whose members decoded,
	// with the last error per hash.
	Undecodable map[string]error
}

// Empty reports whether the decoded plan carries no applicable work.
func (d Decoded) Empty() bool {
	return len(d.Ready) == 0 && len(d.Groups) == 0
}

type sampleReader interface {
	GetSample(ctx context.Context, sampleID string) (*jobstore.Sample, error)
	GetCachedEmbedding(ctx context.Context, key fingerprint.ContentKey, modelID string) (*jobstore.CachedEmbedding, error)
}

// Build resolves each member against the catalog and the embedding cache.
// Members missing from the catalog land in Missing rather than failing the
// whole plan. Hash order follows first appearance in sampleIDs.
func Build(ctx context.Context, store sampleReader, sampleIDs []string, analysisVersion, modelID string) (Plan, error) {
	var plan Plan

	byHash := make(map[string][]string)
	var hashOrder []string
	for _, sampleID := range sampleIDs {
		sample, err := store.GetSample(ctx, sampleID)
		if err != nil {
			return Plan{}, fmt.Errorf("resolve backfill member %s: %w", sampleID, err)
		}
		if sample == nil {
			plan.Missing = append(plan.Missing, sampleID)
			continue
		}
		if _, seen := byHash[sample.ContentHash]; !seen {
			hashOrder = append(hashOrder, sample.ContentHash)
		}
		byHash[sample.ContentHash] = append(byHash[sample.ContentHash], sampleID)
	}

	for _, hash := range hashOrder {
		key := fingerprint.ContentKey{Hash: hash, AnalysisVersion: analysisVersion}
		cached, err := store.GetCachedEmbedding(ctx, key, modelID)
		if err != nil {
			return Plan{}, fmt.Errorf("check embedding cache for %s: %w", hash, err)
		}
		if cached != nil {
			plan.Ready = append(plan.Ready, Ready{SampleIDs: byHash[hash], Cached: *cached})
			continue
		}
		plan.Work = append(plan.Work, Group{ContentHash: hash, SampleIDs: byHash[hash]})
	}
	return plan, nil
}
