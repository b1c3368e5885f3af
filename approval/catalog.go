package approval

// Governed object types.
const (
	ObjectDegree  ObjectType = "degree"
	ObjectProgram ObjectType = "program"
	ObjectBranch  ObjectType = "branch"
	ObjectSubject ObjectType = "subject"
	ObjectFaculty ObjectType = "faculty"
)

// Governed actions.
const (
	ActionDelete        Action = "delete"
	ActionEdit          Action = "edit"
	ActionEditStructure Action = "edit_structure"
	ActionEditBinding   Action = "edit_binding"
)

// PayloadKind selects the payload variant a key decodes into.
type PayloadKind string

const (
	KindDelete    PayloadKind = "delete"
	KindFieldEdit PayloadKind = "field_edit"
	KindStructure PayloadKind = "structure"
	KindBinding   PayloadKind = "binding"
)

// Catalog is the closed set of governed actions. Nothing outside it can be
// submitted or dispatched.
var Catalog = map[ActionKey]PayloadKind{
	{ObjectDegree, ActionDelete}:  KindDelete,
	{ObjectProgram, ActionDelete}: KindDelete,
	{ObjectBranch, ActionDelete}:  KindDelete,
	{ObjectSubject, ActionDelete}: KindDelete,
	{ObjectFaculty, ActionDelete}: KindDelete,

	{ObjectDegree, ActionEdit}:  KindFieldEdit,
	{ObjectProgram, ActionEdit}: KindFieldEdit,
	{ObjectBranch, ActionEdit}:  KindFieldEdit,
	{ObjectSubject, ActionEdit}: KindFieldEdit,
	{ObjectFaculty, ActionEdit}: KindFieldEdit,

	{ObjectDegree, ActionEditStructure}:  KindStructure,
	{ObjectProgram, ActionEditStructure}: KindStructure,
	{ObjectBranch, ActionEditStructure}:  KindStructure,

	{ObjectDegree, ActionEditBinding}: KindBinding,
}

// Governed reports whether key is in the catalog.
func Governed(key ActionKey) bool {
	_, ok := Catalog[key]
	return ok
}
