package domain

import "fmt"

// Row is a single record as exchanged with the remote data service.
type Row = map[string]any

type OperationKind string

const (
	KindInsert     OperationKind = "insert"
	KindUpdate     OperationKind = "update"
	KindDelete     OperationKind = "delete"
	KindBulkDelete OperationKind = "bulk_delete"
	KindBulkUpdate OperationKind = "bulk_update"
	KindUpsert     OperationKind = "upsert"
	KindRPC        OperationKind = "rpc"
)

func (k OperationKind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindBulkDelete, KindBulkUpdate, KindUpsert, KindRPC:
		return true
	}
	return false
}

// Operation is one state change against a remote collection. The concrete
// variants below are the only implementations.
type Operation interface {
	Kind() OperationKind
	Validate() error
	isOperation()
}

type Insert struct {
	Row Row
}

type Update struct {
	ID     string
	Fields Row
}

type Delete struct {
	ID string
}

type BulkDelete struct {
	IDs []string
}

type BulkUpdate struct {
	IDs    []string
	Fields Row
}

// Upsert inserts rows or updates the ones colliding on OnConflict, a comma
// separated column list. An empty OnConflict means the primary key.
type Upsert struct {
	Rows       []Row
	OnConflict string
}

// RemoteCall invokes a remote procedure; the mutation's collection is the
// procedure name.
type RemoteCall struct {
	Args Row
}

func (Insert) Kind() OperationKind     { return KindInsert }
func (Update) Kind() OperationKind     { return KindUpdate }
func (Delete) Kind() OperationKind     { return KindDelete }
func (BulkDelete) Kind() OperationKind { return KindBulkDelete }
func (BulkUpdate) Kind() OperationKind { return KindBulkUpdate }
func (Upsert) Kind() OperationKind     { return KindUpsert }
func (RemoteCall) Kind() OperationKind { return KindRPC }

func (Insert) isOperation()     {}
func (Update) isOperation()     {}
func (Delete) isOperation()     {}
func (BulkDelete) isOperation() {}
func (BulkUpdate) isOperation() {}
func (Upsert) isOperation()     {}
func (RemoteCall) isOperation() {}

func (o Insert) Validate() error {
	if len(o.Row) == 0 {
		return fmt.Errorf("%w: insert requires a row", ErrInvalidOperation)
	}
	return nil
}

func (o Update) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: update requires an id", ErrInvalidOperation)
	}
	if len(o.Fields) == 0 {
		return fmt.Errorf("%w: update requires fields", ErrInvalidOperation)
	}
	return nil
}

func (o Delete) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: delete requires an id", ErrInvalidOperation)
	}
	return nil
}

func (o BulkDelete) Validate() error {
	return validateIDs("bulk delete", o.IDs)
}

func (o BulkUpdate) Validate() error {
	if err := validateIDs("bulk update", o.IDs); err != nil {
		return err
	}
	if len(o.Fields) == 0 {
		return fmt.Errorf("%w: bulk update requires fields", ErrInvalidOperation)
	}
	return nil
}

func (o Upsert) Validate() error {
	if len(o.Rows) == 0 {
		return fmt.Errorf("%w: upsert requires at least one row", ErrInvalidOperation)
	}
	for i, row := range o.Rows {
		if len(row) == 0 {
			return fmt.Errorf("%w: upsert row %d is empty", ErrInvalidOperation, i)
		}
	}
	return nil
}

func (o RemoteCall) Validate() error {
	return nil
}

func validateIDs(op string, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s requires ids", ErrInvalidOperation, op)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: %s contains an empty id", ErrInvalidOperation, op)
		}
	}
	return nil
}

// RowsOf returns the complete rows an operation writes, if any.
func RowsOf(op Operation) []Row {
	switch o := op.(type) {
	case Insert:
		return []Row{o.Row}
	case Upsert:
		return o.Rows
	}
	return nil
}
