package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	defaultLength = 10
	minLength     = 8
	maxLength     = 32

	// Alphabet is the URL-safe symbol set ids are drawn from.
	Alphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Generator produces unique, URL-safe identifiers.
//
// Ids are never checked for collisions. With 64 symbols and the default
// length of 10 there are 2^60 possible ids, so a 50% chance of a single
// collision needs roughly a billion pastes. That risk is accepted; a store
// that sees a reused id rejects the write with storage.ErrDuplicate instead
// of overwriting.
type Generator struct {
	length int
}

// New returns a Generator with the provided length. Lengths outside [8, 32]
// fall back to the default of 10.
func New(length int) *Generator {
	if length < minLength || length > maxLength {
		length = defaultLength
	}
	return &Generator{length: length}
}

// Length returns the number of symbols in each generated id.
func (g *Generator) Length() int {
	return g.length
}

// Generate returns a new identifier.
func (g *Generator) Generate() string {
	// Only fails for an invalid alphabet or length, both fixed above.
	return gonanoid.MustGenerate(Alphabet, g.length)
}
