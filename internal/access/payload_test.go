package access

import (
	"reflect"
	"testing"
)

func TestDecodePermissionsShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []PermissionEntry
	}{
		{
			name: "canonical",
			raw:  `[{"resource_key":"mandis.list","actions":["VIEW"]}]`,
			want: []PermissionEntry{{ResourceKey: "mandis.list", Actions: []string{"VIEW"}}},
		},
		{
			name: "allowed_actions objects",
			raw:  `[{"resourceKey":"gates.edit","allowed_actions":[{"action":"EDIT"},{"name":"view"},{"bogus":1}]}]`,
			want: []PermissionEntry{{ResourceKey: "gates.edit", Actions: []string{"EDIT", "view"}}},
		},
		{
			name: "permissions field and single string",
			raw:  `[{"key":"a.b","permissions":"VIEW"},{"resource":"c.d","permissions":["ADD"]}]`,
			want: []PermissionEntry{
				{ResourceKey: "a.b", Actions: []string{"VIEW"}},
				{ResourceKey: "c.d", Actions: []string{"ADD"}},
			},
		},
		{
			name: "map form",
			raw:  `{"z.list":["VIEW"],"a.menu":[]}`,
			want: []PermissionEntry{
				{ResourceKey: "a.menu", Actions: []string{}},
				{ResourceKey: "z.list", Actions: []string{"VIEW"}},
			},
		},
		{
			name: "malformed rows dropped",
			raw:  `[1,"x",{"resource_key":""},{"resource_key":42},{"resource_key":"ok.list","actions":["VIEW"]}]`,
			want: []PermissionEntry{{ResourceKey: "ok.list", Actions: []string{"VIEW"}}},
		},
		{name: "null", raw: `null`, want: nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodePermissions([]byte(tc.raw))
			if err != nil {
				t.Fatalf("DecodePermissions: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodePermissionsRejectsNonJSON(t *testing.T) {
	if _, err := DecodePermissions([]byte(`"just a string"`)); err == nil {
		t.Fatalf("expected error for scalar payload")
	}
	if _, err := DecodePermissions([]byte(`[{`)); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestDecodePermissionsUnusableActionsDropRow(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "numeric items", raw: `[{"resource_key":"payments.edit","actions":[42]}]`},
		{name: "objects without action field", raw: `[{"resource_key":"payments.edit","actions":[{"verb":"VIEW"}]}]`},
		{name: "null actions", raw: `[{"resource_key":"payments.edit","actions":null}]`},
		{name: "blank strings", raw: `[{"resource_key":"payments.edit","actions":["", "  "]}]`},
		{name: "scalar number", raw: `[{"resource_key":"payments.edit","permissions":7}]`},
		{name: "map form numeric", raw: `{"payments.edit":[7]}`},
		{name: "map form null", raw: `{"payments.edit":null}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			entries, err := DecodePermissions([]byte(tc.raw))
			if err != nil {
				t.Fatalf("DecodePermissions: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("expected row to be dropped, got %+v", entries)
			}
			if NewResolver(entries, "").Can("payments.edit", "DEACTIVATE") {
				t.Fatalf("malformed grant must not allow")
			}
		})
	}
}

func TestDecodePermissionsEmptyOrAbsentActionsStayUnrestricted(t *testing.T) {
	entries, err := DecodePermissions([]byte(`[{"resource_key":"reports.menu","actions":[]},{"resource_key":"audit.menu"}]`))
	if err != nil {
		t.Fatalf("DecodePermissions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both rows, got %+v", entries)
	}
	r := NewResolver(entries, "")
	if !r.Can("reports.menu", "EDIT") || !r.Can("audit.menu", "VIEW") {
		t.Fatalf("empty and absent action lists keep the unrestricted meaning")
	}
}
