package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPoint(t *testing.T) {
	var r report
	msg := `{"status":{"azimuth":12.3,"elevation":45.6,"pulses_per_degree":10},"target":"rotor:23","time":"2021-03-04T05:06:07Z"}`
	if err := json.Unmarshal([]byte(msg), &r); err != nil {
		t.Fatal(err)
	}
	p := point(r)
	if p == nil {
		t.Fatal("point() = nil")
	}
	if got, want := p.Name(), "rot2prog.status"; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
	if got, want := p.Time(), time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Time() = %v, want %v", got, want)
	}
	fields := make(map[string]interface{})
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	want := map[string]interface{}{
		"azimuth":           12.3,
		"elevation":         45.6,
		"pulses_per_degree": int64(10),
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if diff := cmp.Diff(map[string]string{"target": "rotor:23"}, tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestPointSkipsErrors(t *testing.T) {
	for _, r := range []report{
		{Error: "STATUS: no complete response", Time: time.Now()},
		{},
	} {
		if p := point(r); p != nil {
			t.Errorf("point(%+v) = %v, want nil", r, p)
		}
	}
}
