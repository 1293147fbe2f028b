package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	// ErrSchemaMismatch is returned when an artifact was trained on a
	// different feature layout than this build encodes.
	ErrSchemaMismatch = errors.New("quality: artifact feature schema mismatch")

	// ErrMalformedArtifact is returned for structurally invalid artifacts.
	ErrMalformedArtifact = errors.New("quality: malformed artifact")
)

// Node is one node of a regression tree. Leaves carry Value; split nodes send
// x[Feature] < Threshold to Left, everything else to Right.
type Node struct {
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a flat node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Artifact is the on-disk form of an externally trained tree ensemble.
type Artifact struct {
	Version       string  `json:"version"`
	SchemaVersion int     `json:"schema_version"`
	BaseScore     float64 `json:"base_score"`
	Trees         []Tree  `json:"trees"`
}

// TreeEnsemble predicts base_score + Σ tree outputs. Child indices always
// point forward, so evaluation visits at most len(Nodes) nodes per tree.
type TreeEnsemble struct {
	version   string
	baseScore float64
	trees     []Tree
}

// NewTreeEnsemble validates an artifact and builds a model from it.
func NewTreeEnsemble(a Artifact) (*TreeEnsemble, error) {
	if a.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: artifact %q has schema %d, want %d",
			ErrSchemaMismatch, a.Version, a.SchemaVersion, SchemaVersion)
	}
	if a.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedArtifact)
	}
	if math.IsNaN(a.BaseScore) || math.IsInf(a.BaseScore, 0) {
		return nil, fmt.Errorf("%w: base_score is not finite", ErrMalformedArtifact)
	}
	for ti, tree := range a.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("%w: tree %d is empty", ErrMalformedArtifact, ti)
		}
		for ni, n := range tree.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(FeatureNames) {
				return nil, fmt.Errorf("%w: tree %d node %d: feature %d out of range",
					ErrMalformedArtifact, ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("%w: tree %d node %d: invalid children %d/%d",
					ErrMalformedArtifact, ti, ni, n.Left, n.Right)
			}
		}
	}
	return &TreeEnsemble{version: a.Version, baseScore: a.BaseScore, trees: a.Trees}, nil
}

// LoadArtifact decodes and validates a JSON artifact.
func LoadArtifact(r io.Reader) (*TreeEnsemble, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	return NewTreeEnsemble(a)
}

// LoadArtifactFile loads an artifact from disk.
func LoadArtifactFile(path string) (*TreeEnsemble, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return LoadArtifact(f)
}

// Version implements Model.
func (t *TreeEnsemble) Version() string { return t.version }

// Predict implements Model.
func (t *TreeEnsemble) Predict(f Features) (float64, error) {
	x := f.Vector()
	score := t.baseScore
	for _, tree := range t.trees {
		i := 0
		for {
			n := tree.Nodes[i]
			if n.Leaf {
				score += n.Value
				break
			}
			if x[n.Feature] < n.Threshold {
				i = n.Left
			} else {
				i = n.Right
			}
		}
	}
	return score, nil
}
