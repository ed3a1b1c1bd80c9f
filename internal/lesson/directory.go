package lesson

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StaticDirectory serves class rosters from a fixed list, for single-node
// deployments without the academics database.
type StaticDirectory struct {
	classes map[string]Class
}

var _ Directory = (*StaticDirectory)(nil)

type directoryFile struct {
	Classes []Class `yaml:"classes"`
}

func NewStaticDirectory(classes ...Class) *StaticDirectory {
	d := &StaticDirectory{classes: make(map[string]Class, len(classes))}
	for _, class := range classes {
		d.classes[class.ID] = class
	}
	return d
}

// LoadDirectoryFile reads a YAML file of the form
//
//	classes:
//	  - id: ...
//	    kruzhokId: ...
//	    mentorId: ...
//	    title: Robotics A
//	    students: [...]
func LoadDirectoryFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory file: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing directory file: %w", err)
	}
	for i, class := range file.Classes {
		if class.ID == "" || class.KruzhokID == "" || class.MentorID == "" {
			return nil, fmt.Errorf("directory class %d: id, kruzhokId and mentorId are required", i)
		}
	}
	return NewStaticDirectory(file.Classes...), nil
}

func (d *StaticDirectory) ResolveClass(_ context.Context, classID, kruzhokID string) (Class, error) {
	class, ok := d.classes[classID]
	if !ok || class.KruzhokID != kruzhokID {
		return Class{}, ErrClassNotFound
	}
	return class, nil
}

func (d *StaticDirectory) EnrolledStudents(_ context.Context, classID string) ([]string, error) {
	class, ok := d.classes[classID]
	if !ok {
		return nil, ErrClassNotFound
	}
	out := make([]string, len(class.Students))
	copy(out, class.Students)
	return out, nil
}

// Classes returns every class, ordered by id.
func (d *StaticDirectory) Classes() []Class {
	out := make([]Class, 0, len(d.classes))
	for _, class := range d.classes {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
