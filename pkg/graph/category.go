package graph

// CategoryNodeKind names a singleton category root hanging off the graph root.
type CategoryNodeKind string

const (
	CategoryAction              CategoryNodeKind = "Action"
	CategoryComponent           CategoryNodeKind = "Component"
	CategoryDependentValueRoots CategoryNodeKind = "DependentValueRoots"
	CategoryFunc                CategoryNodeKind = "Func"
	CategoryModule              CategoryNodeKind = "Module"
	CategorySchema              CategoryNodeKind = "Schema"
	CategorySecret              CategoryNodeKind = "Secret"
	CategoryView                CategoryNodeKind = "View"
)

// AllCategories is the set created for a brand-new workspace.
var AllCategories = []CategoryNodeKind{
	CategoryAction,
	CategoryComponent,
	CategoryDependentValueRoots,
	CategoryFunc,
	CategoryModule,
	CategorySchema,
	CategorySecret,
	CategoryView,
}

func (k CategoryNodeKind) Valid() bool {
	for _, c := range AllCategories {
		if c == k {
			return true
		}
	}
	return false
}
