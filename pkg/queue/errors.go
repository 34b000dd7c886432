package queue

import "github.com/pkg/errors"

// Error kinds of the lifecycle operations. Callers test with errors.Is;
// call sites wrap these with context.
var (
	// ErrTaskAlreadyExists signals a cname collision at add time.
	ErrTaskAlreadyExists = errors.New("task already exists")

	// ErrTaskNotFound signals an id, uuid or cname that does not resolve.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskStatusNotMatched signals a refused delete (running task) or a
	// lost status CAS.
	ErrTaskStatusNotMatched = errors.New("task status not matched")

	// ErrTaskCNameRequired signals a recurring task added without a cname.
	ErrTaskCNameRequired = errors.New("scheduled task must have a custom name")
)
