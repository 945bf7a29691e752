// Package inventory defines the static model of a stack: its components,
// the durable volumes each component owns, and the dependency graph used
// to order lifecycle operations.
package inventory

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Errors returned during inventory validation. All of them are fatal:
// no partial inventory is ever returned.
var (
	ErrInventoryNotFound  = errors.New("inventory file not found")
	ErrInvalidInventory   = errors.New("invalid inventory")
	ErrDuplicateComponent = errors.New("duplicate component name")
	ErrDuplicateVolume    = errors.New("duplicate volume name")
	ErrUnknownDependency  = errors.New("dependency references unknown component")
	ErrCircularDependency = errors.New("circular dependency detected in components")
)

// DefaultProbeTimeout is applied when a component's health check does not
// declare its own timeout.
const DefaultProbeTimeout = 5 * time.Second

// HealthCheck describes how a component's health endpoint is probed.
type HealthCheck struct {
	URL          string   `yaml:"url"`
	ExpectStatus int      `yaml:"expect_status,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
}

// Volume is a named durable data store owned by exactly one component.
// Source is an opaque handle resolved by a volume driver: either a host
// directory path or a "docker://<volume>" reference.
type Volume struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

// Component is a logical, independently health-checkable service unit.
type Component struct {
	Name        string      `yaml:"name"`
	HealthCheck HealthCheck `yaml:"health_check"`
	DependsOn   []string    `yaml:"depends_on,omitempty"`
	Volumes     []Volume    `yaml:"volumes,omitempty"`
	Profiles    []string    `yaml:"profiles,omitempty"`
}

// HasProfile reports whether the component participates in the given
// deploy profile. A component with no profiles participates in all of them.
func (c Component) HasProfile(profile string) bool {
	if profile == "" || len(c.Profiles) == 0 {
		return true
	}
	for _, p := range c.Profiles {
		if p == profile {
			return true
		}
	}
	return false
}

// ConfigInput is an external configuration path captured opaquely by backups.
type ConfigInput struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Inventory is the immutable description of a stack, validated at load time.
type Inventory struct {
	StackName  string        `yaml:"stack_name"`
	Components []Component   `yaml:"components"`
	Configs    []ConfigInput `yaml:"configs,omitempty"`

	order   []string
	byName  map[string]*Component
	volumes map[string]string // volume name -> owning component
}

// Load reads and validates an inventory file. Validation failures are
// fatal: a missing dependency, a volume claimed by two components, or a
// dependency cycle all reject the whole file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInventoryNotFound, path)
		}
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// Parse validates raw inventory YAML. See Load.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}
	if err := inv.validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (inv *Inventory) validate() error {
	if len(inv.Components) == 0 {
		return fmt.Errorf("%w: no components defined", ErrInvalidInventory)
	}
	if inv.StackName == "" {
		return fmt.Errorf("%w: stack_name is required", ErrInvalidInventory)
	}

	inv.byName = make(map[string]*Component, len(inv.Components))
	inv.volumes = make(map[string]string)

	for i := range inv.Components {
		c := &inv.Components[i]
		if c.Name == "" {
			return fmt.Errorf("%w: component %d has no name", ErrInvalidInventory, i)
		}
		if _, ok := inv.byName[c.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateComponent, c.Name)
		}
		inv.byName[c.Name] = c

		if err := validateHealthCheck(c); err != nil {
			return err
		}

		for _, v := range c.Volumes {
			if v.Name == "" || v.Source == "" {
				return fmt.Errorf("%w: component %s declares a volume without name or source", ErrInvalidInventory, c.Name)
			}
			if owner, ok := inv.volumes[v.Name]; ok {
				return fmt.Errorf("%w: %s claimed by both %s and %s", ErrDuplicateVolume, v.Name, owner, c.Name)
			}
			inv.volumes[v.Name] = c.Name
		}

		if c.HealthCheck.ExpectStatus == 0 {
			c.HealthCheck.ExpectStatus = 200
		}
		if c.HealthCheck.Timeout <= 0 {
			c.HealthCheck.Timeout = Duration(DefaultProbeTimeout)
		}
	}

	for _, c := range inv.Components {
		for _, dep := range c.DependsOn {
			if _, ok := inv.byName[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, c.Name, dep)
			}
			if dep == c.Name {
				return fmt.Errorf("%w: %s depends on itself", ErrCircularDependency, c.Name)
			}
		}
	}

	order, err := inv.topoSort()
	if err != nil {
		return err
	}
	inv.order = order

	return nil
}

func validateHealthCheck(c *Component) error {
	if c.HealthCheck.URL == "" {
		return fmt.Errorf("%w: component %s has no health check URL", ErrInvalidInventory, c.Name)
	}
	u, err := url.Parse(c.HealthCheck.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: component %s has a malformed health check URL %q", ErrInvalidInventory, c.Name, c.HealthCheck.URL)
	}
	return nil
}

// topoSort orders components so that every component appears after all of
// its dependencies (Kahn's algorithm). Components with no ordering relation
// keep their declared order, which makes the result deterministic.
func (inv *Inventory) topoSort() ([]string, error) {
	remaining := make(map[string][]string, len(inv.Components))
	for _, c := range inv.Components {
		remaining[c.Name] = append([]string(nil), c.DependsOn...)
	}

	placed := make(map[string]bool, len(inv.Components))
	order := make([]string, 0, len(inv.Components))

	for len(order) < len(inv.Components) {
		progressed := false
		for _, c := range inv.Components {
			if placed[c.Name] {
				continue
			}
			ready := true
			for _, dep := range remaining[c.Name] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[c.Name] = true
				order = append(order, c.Name)
				progressed = true
			}
		}
		if !progressed {
			return nil, ErrCircularDependency
		}
	}

	return order, nil
}

// TopologicalOrder returns components ordered dependency-first: a component
// always appears after everything it depends on.
func (inv *Inventory) TopologicalOrder() []Component {
	out := make([]Component, 0, len(inv.order))
	for _, name := range inv.order {
		out = append(out, *inv.byName[name])
	}
	return out
}

// ReverseTopologicalOrder returns components ordered dependents-first,
// the correct order for stopping a stack.
func (inv *Inventory) ReverseTopologicalOrder() []Component {
	ordered := inv.TopologicalOrder()
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

// Component returns the named component, or false if it does not exist.
func (inv *Inventory) Component(name string) (Component, bool) {
	c, ok := inv.byName[name]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// VolumeOwner returns the component owning the named volume.
func (inv *Inventory) VolumeOwner(volumeName string) (Component, bool) {
	owner, ok := inv.volumes[volumeName]
	if !ok {
		return Component{}, false
	}
	return *inv.byName[owner], true
}

// Volume returns the named volume and its owning component.
func (inv *Inventory) Volume(name string) (Volume, Component, bool) {
	owner, ok := inv.VolumeOwner(name)
	if !ok {
		return Volume{}, Component{}, false
	}
	for _, v := range owner.Volumes {
		if v.Name == name {
			return v, owner, true
		}
	}
	return Volume{}, Component{}, false
}

// Volumes returns every volume in topological owner order.
func (inv *Inventory) Volumes() []Volume {
	var out []Volume
	for _, c := range inv.TopologicalOrder() {
		out = append(out, c.Volumes...)
	}
	return out
}

// ApplyProbeTimeout replaces the default probe timeout on components that
// did not declare their own. Components with an explicit timeout equal to
// the default are overridden too; declare a distinct value to pin one.
func (inv *Inventory) ApplyProbeTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	for i := range inv.Components {
		if inv.Components[i].HealthCheck.Timeout == Duration(DefaultProbeTimeout) {
			inv.Components[i].HealthCheck.Timeout = Duration(d)
		}
	}
}
