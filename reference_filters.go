package readings

import "strings"

// AssetAllowFilter drops any reading whose asset code is not present in
// Allow.
type AssetAllowFilter struct {
	Allow map[string]struct{}
}

// NewAssetAllowFilter builds an AssetAllowFilter from an allow-list.
func NewAssetAllowFilter(assetCodes ...string) *AssetAllowFilter {
	allow := make(map[string]struct{}, len(assetCodes))
	for _, a := range assetCodes {
		allow[strings.ToUpper(a)] = struct{}{}
	}
	return &AssetAllowFilter{Allow: allow}
}

func (f *AssetAllowFilter) Name() string { return "asset-allow" }

func (f *AssetAllowFilter) Apply(readings []Reading) []Reading {
	out := make([]Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := f.Allow[strings.ToUpper(r.AssetCode)]; ok {
			out = append(out, r)
		}
	}
	return out
}

// RenameAssetFilter rewrites an asset code to a new name as readings pass
// through, the second trivial reference filter.
type RenameAssetFilter struct {
	From, To string
}

// NewRenameAssetFilter builds a RenameAssetFilter.
func NewRenameAssetFilter(from, to string) *RenameAssetFilter {
	return &RenameAssetFilter{From: from, To: to}
}

func (f *RenameAssetFilter) Name() string { return "rename-asset" }

func (f *RenameAssetFilter) Apply(readings []Reading) []Reading {
	for i := range readings {
		if strings.EqualFold(readings[i].AssetCode, f.From) {
			readings[i].AssetCode = f.To
		}
	}
	return readings
}
