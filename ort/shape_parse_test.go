package ort

import "testing"

func TestParseShape(t *testing.T) {
	cases := []struct {
		raw   string
		shape Shape
		ok    bool
	}{
		{"2,384", NewShape(2, 384), true},
		{"1", NewShape(1), true},
		{" 2 , 3 ", NewShape(2, 3), true},
		{"2,0,3", NewShape(2, 0, 3), true},
		{"", nil, false},
		{"2,,3", nil, false},
		{"2,-1", nil, false},
		{"2,abc", nil, false},
	}
	for _, tc := range cases {
		shape, err := ParseShape(tc.raw)
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseShape(%q): expected error, got %v", tc.raw, shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseShape(%q): unexpected error %v", tc.raw, err)
			continue
		}
		if len(shape) != len(tc.shape) {
			t.Errorf("ParseShape(%q): expected %v, got %v", tc.raw, tc.shape, shape)
			continue
		}
		for i := range shape {
			if shape[i] != tc.shape[i] {
				t.Errorf("ParseShape(%q): expected %v, got %v", tc.raw, tc.shape, shape)
				break
			}
		}
	}
}
