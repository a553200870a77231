package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type FilterType string

const (
	FilterAll               FilterType = "all"
	FilterExplicitSelection FilterType = "explicit_selection"
	FilterTags              FilterType = "tags"
	FilterIndividual        FilterType = "individual"
)

// RecipientFilter is a closed sum over AllGuests, ExplicitSelection,
// TagMatch and Individual.
type RecipientFilter interface {
	Type() FilterType
	isRecipientFilter()
}

type AllGuests struct{}

// ExplicitSelection targets hand-picked guests. An absent id list falls
// back to every contactable guest while an empty one is rejected by the
// resolver. Build it with SelectGuests or SelectionAbsent.
type ExplicitSelection struct {
	ids     []string
	present bool
}

type TagMatch struct {
	Tags       []string
	RequireAll bool
}

// Individual is an ordered pass-through list.
type Individual struct {
	GuestIDs []string
}

func (AllGuests) Type() FilterType         { return FilterAll }
func (ExplicitSelection) Type() FilterType { return FilterExplicitSelection }
func (TagMatch) Type() FilterType          { return FilterTags }
func (Individual) Type() FilterType        { return FilterIndividual }

func (AllGuests) isRecipientFilter()         {}
func (ExplicitSelection) isRecipientFilter() {}
func (TagMatch) isRecipientFilter()          {}
func (Individual) isRecipientFilter()        {}

// SelectGuests selects exactly ids. No ids is an empty selection, not an
// absent one.
func SelectGuests(ids ...string) ExplicitSelection {
	return ExplicitSelection{ids: append([]string{}, ids...), present: true}
}

// SelectionAbsent is an explicit selection whose id list was never given.
func SelectionAbsent() ExplicitSelection {
	return ExplicitSelection{}
}

// GuestIDs returns a copy of the selected ids, or nil when absent.
func (s ExplicitSelection) GuestIDs() []string {
	if !s.present {
		return nil
	}
	return append([]string{}, s.ids...)
}

func (s ExplicitSelection) Present() bool { return s.present }

type allWire struct {
	Type FilterType `json:"type"`
}

type explicitWire struct {
	Type             FilterType `json:"type"`
	SelectedGuestIDs []string   `json:"selectedGuestIds"`
}

type tagsWire struct {
	Type       FilterType `json:"type"`
	Tags       []string   `json:"tags"`
	RequireAll bool       `json:"requireAll"`
}

type individualWire struct {
	Type     FilterType `json:"type"`
	GuestIDs []string   `json:"guestIds"`
}

// MarshalFilter encodes f in the shape every collaborator exchanges.
func MarshalFilter(f RecipientFilter) ([]byte, error) {
	switch v := f.(type) {
	case AllGuests:
		return json.Marshal(allWire{Type: FilterAll})
	case ExplicitSelection:
		if !v.Present() {
			return json.Marshal(allWire{Type: FilterExplicitSelection})
		}
		return json.Marshal(explicitWire{Type: FilterExplicitSelection, SelectedGuestIDs: v.GuestIDs()})
	case TagMatch:
		tags := v.Tags
		if tags == nil {
			tags = []string{}
		}
		return json.Marshal(tagsWire{Type: FilterTags, Tags: tags, RequireAll: v.RequireAll})
	case Individual:
		ids := v.GuestIDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(individualWire{Type: FilterIndividual, GuestIDs: ids})
	case nil:
		return nil, fmt.Errorf("%w: recipient filter is required", ErrInvalidFilter)
	}
	return nil, fmt.Errorf("%w: unsupported filter %T", ErrInvalidFilter, f)
}

// UnmarshalFilter decodes the wire shape. Fields belonging to another
// variant are rejected.
func UnmarshalFilter(data []byte) (RecipientFilter, error) {
	var head struct {
		Type FilterType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	switch head.Type {
	case FilterAll:
		var w allWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		return AllGuests{}, nil

	case FilterExplicitSelection:
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		var w explicitWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		ids, ok := raw["selectedGuestIds"]
		if !ok || bytes.Equal(bytes.TrimSpace(ids), []byte("null")) {
			return SelectionAbsent(), nil
		}
		return SelectGuests(w.SelectedGuestIDs...), nil

	case FilterTags:
		var w tagsWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		return TagMatch{Tags: w.Tags, RequireAll: w.RequireAll}, nil

	case FilterIndividual:
		var w individualWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		return Individual{GuestIDs: w.GuestIDs}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFilter)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, head.Type)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return nil
}

// FilterJSON adapts a RecipientFilter to encoding/json.
type FilterJSON struct {
	RecipientFilter
}

func (f FilterJSON) MarshalJSON() ([]byte, error) {
	return MarshalFilter(f.RecipientFilter)
}

func (f *FilterJSON) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalFilter(data)
	if err != nil {
		return err
	}
	f.RecipientFilter = v
	return nil
}

// CompatibleType reports whether t may target recipients selected by f.
// Channel messages address tag groups only.
func CompatibleType(t MessageType, f RecipientFilter) error {
	if f == nil {
		return fmt.Errorf("%w: recipient filter is required", ErrInvalidFilter)
	}
	if t == Channel && f.Type() != FilterTags {
		return fmt.Errorf("%w: channel messages require a tags filter, got %s", ErrTypeFilterMismatch, f.Type())
	}
	return nil
}

func (m ScheduledMessage) MarshalJSON() ([]byte, error) {
	type plain ScheduledMessage
	return json.Marshal(struct {
		plain
		Filter FilterJSON `json:"recipientFilter"`
	}{plain(m), FilterJSON{m.Filter}})
}
