package autosnap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/function61/autosnap/pkg/snaptypes"
)

// in-memory stand-in for the zfs tool. user properties are not inherited
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]snaptypes.Record // name => every property incl. name & type
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string]snaptypes.Record{},
	}
}

func (f *fakeStore) addDataset(name string, props map[string]string) {
	f.add(name, snaptypes.KindFilesystem, "1024", props)
}

func (f *fakeStore) addSnapshot(name string, props map[string]string) {
	f.add(name, snaptypes.KindSnapshot, "0", props)
}

func (f *fakeStore) add(name string, kind snaptypes.Kind, used string, props map[string]string) {
	record := snaptypes.Record{
		snaptypes.PropName: name,
		snaptypes.PropType: string(kind),
		snaptypes.PropUsed: used,
	}

	for key, value := range props {
		record[key] = value
	}

	f.objects[name] = record
}

func (f *fakeStore) List(_ context.Context, kinds []snaptypes.Kind, fields []string) ([]snaptypes.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := []snaptypes.Record{}

	for _, name := range f.namesLocked() {
		object := f.objects[name]

		wanted := false
		for _, kind := range kinds {
			if object[snaptypes.PropType] == string(kind) {
				wanted = true
			}
		}

		if !wanted {
			continue
		}

		projected := snaptypes.Record{}
		for _, field := range fields {
			value, found := object[field]
			if !found {
				value = snaptypes.Unset
			}

			projected[field] = value
		}

		records = append(records, projected)
	}

	return records, nil
}

func (f *fakeStore) GetProperty(_ context.Context, dataset string, property string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	object, found := f.objects[dataset]
	if !found {
		return "", notFound("get", dataset)
	}

	return object[property], nil
}

func (f *fakeStore) SetProperty(_ context.Context, dataset string, property string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	object, found := f.objects[dataset]
	if !found {
		return notFound("set", dataset)
	}

	object[property] = value

	return nil
}

func (f *fakeStore) InheritProperty(_ context.Context, dataset string, property string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	object, found := f.objects[dataset]
	if !found {
		return notFound("inherit", dataset)
	}

	delete(object, property)

	return nil
}

func (f *fakeStore) CreateSnapshots(_ context.Context, names []string, props map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, name := range names {
		dataset, _, _ := snaptypes.SplitSnapshotName(name)
		if _, found := f.objects[dataset]; !found {
			return notFound("snapshot", dataset)
		}
	}

	for _, name := range names {
		f.add(name, snaptypes.KindSnapshot, "0", props)
	}

	return nil
}

func (f *fakeStore) DestroySnapshots(_ context.Context, dataset string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, tag := range tags {
		name := snaptypes.SnapshotName(dataset, tag)
		if _, found := f.objects[name]; !found {
			return notFound("destroy", name)
		}

		delete(f.objects, name)
	}

	return nil
}

func (f *fakeStore) property(name string, property string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.objects[name][property]
}

// "name [created_at policies]" lines for snapshots
func (f *fakeStore) snapshots() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines := []string{}
	for _, name := range f.namesLocked() {
		object := f.objects[name]
		if object[snaptypes.PropType] != string(snaptypes.KindSnapshot) {
			continue
		}

		lines = append(lines, fmt.Sprintf("%s [%s %s]", name, object[snaptypes.PropCreatedAt], object[snaptypes.PropPolicies]))
	}

	return strings.Join(lines, "\n")
}

func (f *fakeStore) namesLocked() []string {
	names := []string{}
	for name := range f.objects {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func notFound(command string, name string) error {
	return &snaptypes.ExecError{
		Argv:       []string{"zfs", command, name},
		ExitStatus: 1,
		Stderr:     fmt.Sprintf("cannot open '%s': dataset does not exist", name),
	}
}
