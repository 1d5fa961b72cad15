package jsobject

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare keys", `{floordm:['','01'],floorname:["请选择","一楼"]}`,
			`{"floordm":["","01"],"floorname":["请选择","一楼"]}`},
		{"already json", `{"a": 1, "b": [true, null]}`, `{"a": 1, "b": [true, null]}`},
		{"trailing commas", `{a: [1, 2, ], b: 3,
		}`, `{"a": [1, 2 ], "b": 3
		}`},
		{"comments", "{a: 1, // count\n /* note */ b: 2}", "{\"a\": 1, \n  \"b\": 2}"},
		{"url in string", `{href: "http://jw.example/x?a=1", n: 2}`, `{"href": "http://jw.example/x?a=1", "n": 2}`},
		{"single quote escapes", `{msg: 'it\'s "ok"'}`, `{"msg": "it's \"ok\""}`},
		{"literal values", `{ok: true, v: null, n: -1.5e3}`, `{"ok": true, "v": null, "n": -1.5e3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(Normalize([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("Normalize(%q)\n got  %q\n want %q", tt.in, got, tt.want)
			}
			if !json.Valid([]byte(got)) {
				t.Errorf("normalized output is not valid JSON: %s", got)
			}
		})
	}
}

func TestUnmarshal(t *testing.T) {
	var out struct {
		Codes []string `json:"floordm"`
		Names []string `json:"floorname"`
	}
	err := Unmarshal([]byte(`{floordm:['','01','02'],floorname:['请选择','一楼','二楼'],}`), &out)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Codes) != 3 || out.Codes[1] != "01" || out.Names[2] != "二楼" {
		t.Errorf("unexpected result %+v", out)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var v map[string]any
	if err := Unmarshal([]byte(`{a: [1, 2}`), &v); err == nil {
		t.Fatal("expected error for malformed literal")
	}
}
