package model

import (
	"fmt"
	"slices"
)

// BaseModelType identifies a model family. The set is closed; extensions use
// TypeAny to declare universal compatibility.
type BaseModelType string

// Model family constants.
const (
	TypeSD1      BaseModelType = "sd-1"
	TypeSD2      BaseModelType = "sd-2"
	TypeSDXL     BaseModelType = "sdxl"
	TypeSD3      BaseModelType = "sd-3"
	TypeFlux     BaseModelType = "flux"
	TypeCogView4 BaseModelType = "cogview4"
	TypeAny      BaseModelType = "any"
)

// ModelTypes lists every concrete model family (TypeAny excluded).
var ModelTypes = []BaseModelType{TypeSD1, TypeSD2, TypeSDXL, TypeSD3, TypeFlux, TypeCogView4}

// Valid reports whether t is a concrete model family.
func (t BaseModelType) Valid() bool {
	return slices.Contains(ModelTypes, t)
}

// String implements fmt.Stringer.
func (t BaseModelType) String() string {
	return string(t)
}

// ParseBaseModelType converts s into a concrete model family.
func ParseBaseModelType(s string) (BaseModelType, error) {
	t := BaseModelType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown model type %q", s)
	}
	return t, nil
}

// Supports reports whether a declared compatibility set admits t. An empty
// set admits nothing; a set containing TypeAny admits every family.
func Supports(set []BaseModelType, t BaseModelType) bool {
	if slices.Contains(set, TypeAny) {
		return true
	}
	return slices.Contains(set, t)
}
