// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokens produces mock secret values for canaries.
//
// # Description
//
// A Registry maps a canary type to a Generator. NewRegistry returns an
// instance with the built-in AWS_IAM_KEY and FAKE_API_KEY generators
// registered; callers may register more at startup.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Generators are stateless.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
)

// ErrUnknownTokenType is returned by Generate for an unregistered type.
var ErrUnknownTokenType = errors.New("unknown token type")

// Token is one freshly generated decoy secret.
type Token struct {
	// Secret is the tracked value; its salted hash is stored on the canary.
	Secret string `json:"secret"`

	// Display is the operator-facing snippet to plant.
	Display string `json:"display"`

	Metadata map[string]any `json:"metadata"`
}

// Generator produces tokens for one canary type.
type Generator interface {
	// Type reports the canary type this generator serves.
	Type() datatypes.CanaryType

	// Generate returns a new token drawn from fresh randomness.
	Generate() (Token, error)
}

// Registry maps canary types to generators.
type Registry struct {
	mu         sync.RWMutex
	generators map[datatypes.CanaryType]Generator
}

// NewRegistry returns a registry with the built-in generators.
func NewRegistry() *Registry {
	r := &Registry{generators: make(map[datatypes.CanaryType]Generator)}
	// Built-ins always match their own keys.
	_ = r.Register(datatypes.CanaryTypeAWSIAMKey, AWSIAMKeyGenerator{})
	_ = r.Register(datatypes.CanaryTypeFakeAPIKey, FakeAPIKeyGenerator{})
	return r
}

// Register adds or replaces the generator for t.
//
// # Outputs
//
//   - error: when gen is nil or gen.Type() differs from t.
func (r *Registry) Register(t datatypes.CanaryType, gen Generator) error {
	if gen == nil {
		return fmt.Errorf("register %s: generator is nil", t)
	}
	if gen.Type() != t {
		return fmt.Errorf("register %s: generator reports type %s", t, gen.Type())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[t] = gen
	return nil
}

// Generate invokes the generator registered for t.
func (r *Registry) Generate(t datatypes.CanaryType) (Token, error) {
	r.mu.RLock()
	gen, ok := r.generators[t]
	r.mu.RUnlock()

	if !ok {
		return Token{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownTokenType, t, strings.Join(r.typeNames(), ", "))
	}
	tok, err := gen.Generate()
	if err != nil {
		return Token{}, fmt.Errorf("generate %s token: %w", t, err)
	}
	return tok, nil
}

// Has reports whether a generator is registered for t.
func (r *Registry) Has(t datatypes.CanaryType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.generators[t]
	return ok
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []datatypes.CanaryType {
	names := r.typeNames()
	out := make([]datatypes.CanaryType, len(names))
	for i, n := range names {
		out[i] = datatypes.CanaryType(n)
	}
	return out
}

func (r *Registry) typeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for t := range r.generators {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Secret Hashing
// =============================================================================

// HashSecret returns hex(SHA-256(salt || secret)).
func HashSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(sum[:])
}

// RandomSalt returns 16 random bytes, hex encoded.
func RandomSalt() (string, error) {
	b, err := randomBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}
