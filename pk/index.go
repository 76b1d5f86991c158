// Package pk implements the primary key index mapping each live key to the
// physical location of its latest visible row.
package pk

import (
	"github.com/tabletdb/tabletdb/model"
)

// Index is the index mapping PrimaryKey -> Location.
type Index interface {
	Lookup(key model.PrimaryKey) (model.Location, bool)
	Upsert(key model.PrimaryKey, loc model.Location) error
	Delete(key model.PrimaryKey) error
	Size() int
}
