// Package convert maps domain records to and from their JSON wire form.
package convert

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
)

// Record is the wire representation shared by REST bodies and live events.
type Record struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
	Price int64  `json:"price"`
	Date  string `json:"date"`
	Sold  bool   `json:"sold"`
}

// Event is the wire representation of a live-channel message.
type Event struct {
	Type    string  `json:"type"`
	Payload *Record `json:"payload"`
}

// --- Record ---

// ToWireRecord converts a domain record to its wire form. Sync metadata never leaves the client.
func ToWireRecord(r model.Record) Record {
	return Record{ID: r.ID, Title: r.Title, Price: r.Price, Date: r.Date, Sold: r.Sold}
}

// FromWireRecord converts a wire record to a domain record without sync metadata.
func FromWireRecord(w Record) model.Record {
	return model.Record{ID: w.ID, Title: w.Title, Price: w.Price, Date: w.Date, Sold: w.Sold}
}

// ToWireRecords converts a slice of domain records.
func ToWireRecords(in []model.Record) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		out = append(out, ToWireRecord(r))
	}
	return out
}

func validate(w Record, requireID bool) error {
	if requireID && w.ID == "" {
		return fmt.Errorf("%w: empty _id", errs.ErrMalformed)
	}
	if w.Price < 0 {
		return fmt.Errorf("%w: negative price %d", errs.ErrMalformed, w.Price)
	}
	return nil
}

// DecodeRecord parses an authoritative record; the id is mandatory.
func DecodeRecord(b []byte) (model.Record, error) {
	var w Record
	if err := json.Unmarshal(b, &w); err != nil {
		return model.Record{}, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	if err := validate(w, true); err != nil {
		return model.Record{}, err
	}
	return FromWireRecord(w), nil
}

// DecodeRecordInput parses a client-submitted record; the id may be empty.
func DecodeRecordInput(b []byte) (model.Record, error) {
	var w Record
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&w); err != nil {
		return model.Record{}, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	if err := validate(w, false); err != nil {
		return model.Record{}, err
	}
	return FromWireRecord(w), nil
}

// DecodeRecords parses a list response. One bad element rejects the whole list.
func DecodeRecords(b []byte) ([]model.Record, error) {
	var ws []Record
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	out := make([]model.Record, 0, len(ws))
	for i, w := range ws {
		if err := validate(w, true); err != nil {
			return nil, fmt.Errorf("record[%d]: %w", i, err)
		}
		out = append(out, FromWireRecord(w))
	}
	return out, nil
}

// --- Event ---

// EncodeEvent renders an event message.
func EncodeEvent(e model.Event) ([]byte, error) {
	p := ToWireRecord(e.Payload)
	return json.Marshal(Event{Type: string(e.Type), Payload: &p})
}

// DecodeEvent parses a live-channel message into a domain event.
func DecodeEvent(b []byte) (model.Event, error) {
	var w Event
	if err := json.Unmarshal(b, &w); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	et := model.EventType(w.Type)
	if !et.Valid() {
		return model.Event{}, fmt.Errorf("%w: unknown event type %q", errs.ErrMalformed, w.Type)
	}
	if w.Payload == nil {
		return model.Event{}, fmt.Errorf("%w: missing payload", errs.ErrMalformed)
	}
	if err := validate(*w.Payload, true); err != nil {
		return model.Event{}, err
	}
	return model.Event{Type: et, Payload: FromWireRecord(*w.Payload)}, nil
}
