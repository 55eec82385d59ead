package domain

import (
	"encoding/json"
	"testing"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusUnassigned, StatusAssigned, true},
		{StatusAssigned, StatusUnassigned, true},
		{StatusAssigned, StatusErrored, true},
		{StatusUnassigned, StatusErrored, true},
		{StatusErrored, StatusUnassigned, true},
		{StatusErrored, StatusAssigned, false},
		{StatusErrored, StatusErrored, false},
		{StatusAssigned, StatusAssigned, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDocumentClone(t *testing.T) {
	doc := Document{ID: "a", Data: json.RawMessage(`{"x":1}`)}
	c := doc.Clone()
	c.Data[2] = 'y'

	if string(doc.Data) != `{"x":1}` {
		t.Errorf("clone shares data with original: %s", doc.Data)
	}
}
