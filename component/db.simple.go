package component

import "errors"

var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrDuplicatedObjectById = errors.New("duplicated object by id")
)

type SimpleStore interface {
	Table(table string) SimpleStoreTable
	Close() error
}

type SimpleStoreTable interface {
	// QueryById accepts an empty object to be filled with data by the given id
	// If no object is found, then the nil object will be returned.
	QueryById(id []byte, empty SimpleStoreObject) (SimpleStoreObject, error)
	// Insert fails with ErrDuplicatedObjectById if the id exists
	Insert(obj SimpleStoreObject) error
	// Save writes the object whether the id exists or not
	Save(obj SimpleStoreObject) error
	// Delete of a missing id is not an error
	Delete(id []byte) error
	// Update does nothing if the id does not exist
	Update(obj SimpleStoreObject) error
}

type SimpleStoreObject interface {
	Id() []byte

	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}
