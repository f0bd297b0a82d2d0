// Package dirid defines DirId, the 128-bit directory identity shared by the
// DPI, LLT, and MKE. It is deliberately tiny and dependency-free so every
// other core package can import it without risking a cycle.
package dirid

import "fmt"

// DirId is a 128-bit pair (registry_id, directory_no) assigned once at
// directory creation and immutable thereafter.
type DirId struct {
	RegistryID  uint64
	DirectoryNo uint64
}

func (d DirId) String() string {
	return fmt.Sprintf("%016x:%016x", d.RegistryID, d.DirectoryNo)
}

// Less provides a total order so DirId can be used as a sort/compare key in
// the MKE row encoding (bytewise comparison by (parent, hash)).
func (d DirId) Less(o DirId) bool {
	if d.RegistryID != o.RegistryID {
		return d.RegistryID < o.RegistryID
	}
	return d.DirectoryNo < o.DirectoryNo
}
