package schema

// Precompiled descriptors for the task management domain. These mirror the
// document shapes the request handlers work with and are the only descriptors
// bound through the registry in production.
var (
	Users = &Descriptor{
		Name:       "User",
		Collection: "users",
		Fields: []Field{
			{Name: "email", Type: TypeString, Required: true, MaxLength: 254},
			{Name: "name", Type: TypeString, Required: true, MaxLength: 120},
			{Name: "passwordHash", Type: TypeString, Required: true},
			{Name: "active", Type: TypeBool},
			{Name: "createdAt", Type: TypeDateTime},
			{Name: "updatedAt", Type: TypeDateTime},
		},
	}

	Projects = &Descriptor{
		Name:       "Project",
		Collection: "projects",
		Fields: []Field{
			{Name: "title", Type: TypeString, Required: true, MaxLength: 200},
			{Name: "description", Type: TypeString, MaxLength: 2000},
			{Name: "ownerId", Type: TypeObjectID, Required: true},
			{Name: "archived", Type: TypeBool},
			{Name: "createdAt", Type: TypeDateTime},
			{Name: "updatedAt", Type: TypeDateTime},
		},
	}

	Tasks = &Descriptor{
		Name:       "Task",
		Collection: "tasks",
		Fields: []Field{
			{Name: "title", Type: TypeString, Required: true, MaxLength: 300},
			{Name: "description", Type: TypeString, MaxLength: 5000},
			{Name: "status", Type: TypeString, Enum: []string{"todo", "in_progress", "done"}},
			{Name: "priority", Type: TypeInt},
			{Name: "projectId", Type: TypeObjectID},
			{Name: "assigneeId", Type: TypeObjectID},
			{Name: "labels", Type: TypeStrings},
			{Name: "dueDate", Type: TypeDateTime},
			{Name: "createdAt", Type: TypeDateTime},
			{Name: "updatedAt", Type: TypeDateTime},
		},
	}
)

// All returns every precompiled descriptor.
func All() []*Descriptor {
	return []*Descriptor{Users, Projects, Tasks}
}

// ByName returns the precompiled descriptor with the given model name.
func ByName(name string) (*Descriptor, bool) {
	for _, d := range All() {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Validate checks every precompiled descriptor. Called once at startup; a
// failure here is a programming error and the process must not start.
func Validate() error {
	for _, d := range All() {
		if err := d.check(); err != nil {
			return err
		}
	}
	return nil
}
