package shard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Meta contains shard-level metadata persisted in meta.yaml.
type Meta struct {
	// Index is the shard's position in open order.
	Index int `yaml:"index"`
	// Created is when the shard was first created.
	Created time.Time `yaml:"created"`
	// LastAccessed is when the shard was last read or written.
	LastAccessed time.Time `yaml:"last_accessed"`
	// Capacity is the book cap in force when the shard was created.
	Capacity int `yaml:"capacity"`
	// SealedAt is when the shard filled and a newer shard became current.
	SealedAt *time.Time `yaml:"sealed_at,omitempty"`
}

// NewMeta creates metadata for a new shard.
func NewMeta(index, capacity int) *Meta {
	now := time.Now().UTC()
	return &Meta{
		Index:        index,
		Created:      now,
		LastAccessed: now,
		Capacity:     capacity,
	}
}

// LoadMeta reads shard metadata from a file path.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse shard metadata: %w", err)
	}

	return &meta, nil
}

// SaveMeta writes shard metadata to a file path.
func SaveMeta(path string, meta *Meta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal shard metadata: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
