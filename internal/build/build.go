package build

// Empty type to represent the _type_ Info. Genesis is to support a key in a Context
type Key struct{}

// InfoKey is a global instance of the Key type
var InfoKey = Key{}

// Info carries the values stamped into the binary by the linker.
type Info struct {
	Version string
	Commit  string
	Date    string
}

// String renders the version the way it is published on the version topic.
func (i *Info) String() string {
	if i == nil || i.Version == "" {
		return "dev"
	}
	return i.Version
}
