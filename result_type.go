package apicall

// ResultType tags the kind of items a page carries. Types form a tree through
// Parent; a Wildcard type accepts any other type.
type ResultType struct {
	// Parent is the type this one is a declared subtype of.
	Parent *ResultType

	// Name identifies the type in errors and logs.
	Name string

	// Wildcard makes the type assignable from every other type.
	Wildcard bool
}

// NewResultType creates a root result type.
func NewResultType(name string) *ResultType {
	return &ResultType{Name: name}
}

// NewWildcardResultType creates a type that accepts every result type, such as
// a projection.
func NewWildcardResultType(name string) *ResultType {
	return &ResultType{Name: name, Wildcard: true}
}

// Subtype declares a new type assignable to t.
func (t *ResultType) Subtype(name string) *ResultType {
	return &ResultType{Name: name, Parent: t}
}

// IsAssignableFrom reports whether items of type actual may be handed to a
// caller that asked for t. A nil t accepts everything; a nil actual is only
// accepted by a wildcard or nil t.
func (t *ResultType) IsAssignableFrom(actual *ResultType) bool {
	if t == nil || t.Wildcard {
		return true
	}
	for a := actual; a != nil; a = a.Parent {
		if a == t {
			return true
		}
	}
	return false
}

// String returns the type name.
func (t *ResultType) String() string {
	if t == nil {
		return "<none>"
	}
	return t.Name
}

// ResultTypeResolver validates the result type of each page and decodes raw
// items into the caller's representation.
type ResultTypeResolver[Item, T any] struct {
	// Expected is the type the caller asked for.
	Expected *ResultType

	// Assignable overrides Expected.IsAssignableFrom when set.
	Assignable func(expected, actual *ResultType) bool

	// Convert decodes one raw item. A nil Convert only works when Item and T
	// are the same type.
	Convert func(actual *ResultType, item Item) (T, error)
}

// IdentityResolver returns a resolver that checks types against expected and
// hands items through unchanged.
func IdentityResolver[Item any](expected *ResultType) ResultTypeResolver[Item, Item] {
	return ResultTypeResolver[Item, Item]{
		Expected: expected,
		Convert: func(_ *ResultType, item Item) (Item, error) {
			return item, nil
		},
	}
}

// Check returns a *ResultTypeError unless actual is assignable to the expected type.
func (r ResultTypeResolver[Item, T]) Check(actual *ResultType) error {
	ok := false
	if r.Assignable != nil {
		ok = r.Assignable(r.Expected, actual)
	} else {
		ok = r.Expected.IsAssignableFrom(actual)
	}
	if !ok {
		return &ResultTypeError{Expected: r.Expected, Actual: actual}
	}
	return nil
}

// Resolve checks actual and decodes item. Decode failures come back as *DecodeError.
func (r ResultTypeResolver[Item, T]) Resolve(actual *ResultType, item Item) (T, error) {
	if err := r.Check(actual); err != nil {
		var zero T
		return zero, err
	}
	return r.convert(actual, item)
}

// convert decodes item without checking its type.
func (r ResultTypeResolver[Item, T]) convert(actual *ResultType, item Item) (T, error) {
	var zero T
	if r.Convert == nil {
		v, ok := any(item).(T)
		if !ok {
			return zero, &DecodeError{Err: errNoConverter, Type: actual}
		}
		return v, nil
	}

	v, err := r.Convert(actual, item)
	if err != nil {
		return zero, &DecodeError{Err: err, Type: actual}
	}
	return v, nil
}
