// Package embed hosts independently-editable sub-documents (sticky notes)
// inside a parent document's content tree. The bridge folds sub-editor
// changes back into the parent as ordinary content mutations while guarding
// the inflow path against redundant state resets.
package embed

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrMissingEngine indicates that no sub-editor engine was supplied.
	ErrMissingEngine = errors.New("embed: sub-editor engine required")
	// ErrMissingHost indicates that no hosting node was supplied.
	ErrMissingHost = errors.New("embed: hosting node required")
)

// Engine is the sub-editor state machine hosted by a content node. Replace
// swaps the live state wholesale; Serialize captures it for persistence.
type Engine interface {
	Serialize() (string, error)
	Replace(serialized string) error
}

// Host is the content node carrying the sub-document. Writes through the
// host become part of the parent document's next revision.
type Host interface {
	WritePayload(serialized string) error
	WriteVariant(variant Variant) error
	RemoveNode() error
}

// Variant is the two-value visual style of a sticky node.
type Variant string

const (
	// VariantClassic renders the sticky with the default skeuomorphic style.
	VariantClassic Variant = "classic"
	// VariantFlat renders the sticky without decoration.
	VariantFlat Variant = "flat"
)

// Change describes a sub-editor notification. Initial mount notifications
// and pure selection changes carry no content delta and must not write back.
type Change struct {
	Initial       bool
	SelectionOnly bool
}

// BridgeConfig describes the inputs required to build a Bridge.
type BridgeConfig struct {
	Engine  Engine
	Host    Host
	Seed    string
	Variant Variant
}

// Bridge binds one sub-editor engine to one hosting node.
type Bridge struct {
	engine  Engine
	host    Host
	variant Variant
}

// New constructs the bridge, seeding the engine from the node's last
// persisted serialized state when one is present.
func New(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Engine == nil {
		return nil, ErrMissingEngine
	}
	if cfg.Host == nil {
		return nil, ErrMissingHost
	}
	if cfg.Seed != "" {
		if err := cfg.Engine.Replace(cfg.Seed); err != nil {
			return nil, fmt.Errorf("embed: seeding engine: %w", err)
		}
	}
	variant := cfg.Variant
	if variant == "" {
		variant = VariantClassic
	}
	return &Bridge{
		engine:  cfg.Engine,
		host:    cfg.Host,
		variant: variant,
	}, nil
}

// SyncIn is the parent-to-sub-editor path, invoked whenever the parent
// re-renders with a possibly-updated payload. The structural equality check
// runs before any replacement: an unconditional reset would discard
// in-progress edits and could oscillate with the outflow path. Returns true
// only when the engine state was actually replaced.
func (b *Bridge) SyncIn(payload string) (bool, error) {
	current, err := b.engine.Serialize()
	if err != nil {
		return false, fmt.Errorf("embed: serializing current state: %w", err)
	}
	if structurallyEqual(current, payload) {
		return false, nil
	}
	if err := b.engine.Replace(payload); err != nil {
		return false, fmt.Errorf("embed: replacing state: %w", err)
	}
	return true, nil
}

// NotifyChange is the sub-editor-to-parent path. Content changes are written
// onto the hosting node; mount notifications and selection-only changes are
// dropped because they carry no content delta.
func (b *Bridge) NotifyChange(change Change) error {
	if change.Initial || change.SelectionOnly {
		return nil
	}
	serialized, err := b.engine.Serialize()
	if err != nil {
		return fmt.Errorf("embed: serializing changed state: %w", err)
	}
	return b.host.WritePayload(serialized)
}

// Variant returns the node's current visual variant.
func (b *Bridge) Variant() Variant {
	return b.variant
}

// ToggleVariant flips the node between its two visual variants and persists
// the choice as a content mutation on the hosting node.
func (b *Bridge) ToggleVariant() error {
	next := VariantClassic
	if b.variant == VariantClassic {
		next = VariantFlat
	}
	if err := b.host.WriteVariant(next); err != nil {
		return err
	}
	b.variant = next
	return nil
}

// Remove deletes the hosting node from the parent content tree.
func (b *Bridge) Remove() error {
	return b.host.RemoveNode()
}

// structurallyEqual compares two serialized states by JSON structure, not by
// bytes: key order and whitespace are serialization artifacts, not edits.
// Byte equality is the fallback when either side is not valid JSON.
func structurallyEqual(left, right string) bool {
	if left == right {
		return true
	}
	var leftValue, rightValue interface{}
	if err := json.Unmarshal([]byte(left), &leftValue); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(right), &rightValue); err != nil {
		return false
	}
	return reflect.DeepEqual(leftValue, rightValue)
}
