// Package testsupport carries the shared fixture domain used by tests and
// examples: cars with doors (one-to-many), drivers (many-to-many through
// car_driver), guarded setters, validation, and a JSON-backed custom field.
package testsupport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-relmap/backend"
	"github.com/goliatone/go-relmap/internal/membackend"
	"github.com/goliatone/go-relmap/relmap"
	"github.com/pkg/errors"
)

// JSONMap is a map field stored as a JSON string, with its own change
// tracking.
type JSONMap struct {
	vals  map[string]any
	dirty bool
}

// NewJSONMap returns an empty map.
func NewJSONMap() *JSONMap {
	return &JSONMap{vals: map[string]any{}}
}

// Get reads a key.
func (m *JSONMap) Get(key string) (any, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Set writes a key and marks the map dirty.
func (m *JSONMap) Set(key string, v any) {
	m.vals[key] = v
	m.dirty = true
}

// Len reports the number of keys.
func (m *JSONMap) Len() int { return len(m.vals) }

// ToDB serializes the map to its stored JSON form.
func (m *JSONMap) ToDB() (any, error) {
	data, err := json.Marshal(m.vals)
	if err != nil {
		return nil, errors.Wrap(err, "encoding json field")
	}
	return string(data), nil
}

// FromDB replaces the map from its stored JSON form.
func (m *JSONMap) FromDB(v any) error {
	m.vals = map[string]any{}
	m.dirty = false
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return errors.Wrap(json.Unmarshal([]byte(x), &m.vals), "decoding json field")
	case []byte:
		if len(x) == 0 {
			return nil
		}
		return errors.Wrap(json.Unmarshal(x, &m.vals), "decoding json field")
	default:
		return errors.Errorf("json field: unsupported stored type %T", v)
	}
}

// Dirty reports whether Set ran since the last MarkClean.
func (m *JSONMap) Dirty() bool { return m.dirty }

// MarkClean clears the dirty flag.
func (m *JSONMap) MarkClean() { m.dirty = false }

var _ relmap.CustomType = (*JSONMap)(nil)

// CarSchema declares the cars table.
var CarSchema = relmap.Schema{
	Table:   "cars",
	Fields:  []string{"id", "color", "gas_level", "extras"},
	PK:      []string{"id"},
	AutoKey: "id",
}

// DoorSchema declares the doors table.
var DoorSchema = relmap.Schema{
	Table:   "doors",
	Fields:  []string{"id", "car_id", "location"},
	PK:      []string{"id"},
	AutoKey: "id",
}

// DriverSchema declares the drivers table.
var DriverSchema = relmap.Schema{
	Table:   "drivers",
	Fields:  []string{"id", "name"},
	PK:      []string{"id"},
	AutoKey: "id",
}

// CarDriverSchema declares the car_driver join table.
var CarDriverSchema = relmap.Schema{
	Table:   "car_driver",
	Fields:  []string{"id", "car_id", "driver_id", "role"},
	PK:      []string{"id"},
	AutoKey: "id",
}

// Car is the primary fixture entity.
type Car struct {
	relmap.Base
	id       int64
	color    string
	gasLevel float64
	extras   *JSONMap

	doors   *relmap.Relation[*Door]
	links   *relmap.Relation[*CarDriver]
	drivers *relmap.M2M[*CarDriver, *Driver]
}

// ID returns the generated key, zero until committed.
func (c *Car) ID() int64 { return c.id }

// Color returns the paint color.
func (c *Car) Color() string { return c.color }

// GasLevel returns the tank level in [0, 1].
func (c *Car) GasLevel() float64 { return c.gasLevel }

// Extras returns the JSON-backed attribute map.
func (c *Car) Extras() *JSONMap { return c.extras }

// Doors is the car's owned door collection.
func (c *Car) Doors() *relmap.Relation[*Door] { return c.doors }

// Drivers is the car's driver association through car_driver.
func (c *Car) Drivers() *relmap.M2M[*CarDriver, *Driver] { return c.drivers }

// SetColor changes the color through the mutation guard.
func (c *Car) SetColor(v string) error {
	if err := c.Touch("color", c.color); err != nil {
		return err
	}
	c.color = v
	return nil
}

// SetGasLevel changes the tank level through the mutation guard.
func (c *Car) SetGasLevel(v float64) error {
	if err := c.Touch("gas_level", c.gasLevel); err != nil {
		return err
	}
	c.gasLevel = v
	return nil
}

// OnCreate applies the factory defaults.
func (c *Car) OnCreate() {
	c.color = "black"
	c.gasLevel = 1.0
}

// Validate enforces the row constraints before commit.
func (c *Car) Validate() error {
	return validation.Errors{
		"color":     validation.Validate(c.color, validation.Required),
		"gas_level": validation.Validate(c.gasLevel, validation.Min(0.0), validation.Max(1.0)),
	}.Filter()
}

// Field returns a field's current value by schema name.
func (c *Car) Field(name string) any {
	switch name {
	case "id":
		return c.id
	case "color":
		return c.color
	case "gas_level":
		return c.gasLevel
	case "extras":
		return c.extras
	default:
		return nil
	}
}

// SetField assigns a field raw, bypassing the mutation guard.
func (c *Car) SetField(name string, v any) error {
	switch name {
	case "id":
		return toInt64(v, &c.id)
	case "color":
		return toString(v, &c.color)
	case "gas_level":
		return toFloat64(v, &c.gasLevel)
	case "extras":
		return c.extras.FromDB(v)
	default:
		return errors.Errorf("cars: no field %q", name)
	}
}

// Relations exposes the owned collections to the overlay.
func (c *Car) Relations() []relmap.RelationBinder {
	return []relmap.RelationBinder{c.doors, c.links}
}

var (
	_ relmap.Entity         = (*Car)(nil)
	_ relmap.Lifecycle      = (*Car)(nil)
	_ relmap.Validatable    = (*Car)(nil)
	_ relmap.RelationHolder = (*Car)(nil)
)

// DoorLocations enumerates the valid door positions.
var DoorLocations = []any{"frontleft", "frontright", "backleft", "backright"}

// Door belongs to exactly one car.
type Door struct {
	relmap.Base
	id       int64
	carID    int64
	location string
}

// ID returns the generated key, zero until committed.
func (d *Door) ID() int64 { return d.id }

// CarID returns the owning car's key.
func (d *Door) CarID() int64 { return d.carID }

// Location returns the door position.
func (d *Door) Location() string { return d.location }

// SetLocation changes the position through the mutation guard.
func (d *Door) SetLocation(v string) error {
	if err := d.Touch("location", d.location); err != nil {
		return err
	}
	d.location = v
	return nil
}

// Validate enforces the row constraints before commit.
func (d *Door) Validate() error {
	return validation.Errors{
		"location": validation.Validate(d.location, validation.Required, validation.In(DoorLocations...)),
	}.Filter()
}

// Field returns a field's current value by schema name.
func (d *Door) Field(name string) any {
	switch name {
	case "id":
		return d.id
	case "car_id":
		return d.carID
	case "location":
		return d.location
	default:
		return nil
	}
}

// SetField assigns a field raw, bypassing the mutation guard.
func (d *Door) SetField(name string, v any) error {
	switch name {
	case "id":
		return toInt64(v, &d.id)
	case "car_id":
		return toInt64(v, &d.carID)
	case "location":
		return toString(v, &d.location)
	default:
		return errors.Errorf("doors: no field %q", name)
	}
}

var (
	_ relmap.Entity      = (*Door)(nil)
	_ relmap.Validatable = (*Door)(nil)
)

// Driver is the m2m target entity.
type Driver struct {
	relmap.Base
	id   int64
	name string
}

// ID returns the generated key, zero until committed.
func (d *Driver) ID() int64 { return d.id }

// Name returns the driver's name.
func (d *Driver) Name() string { return d.name }

// SetName changes the name through the mutation guard.
func (d *Driver) SetName(v string) error {
	if err := d.Touch("name", d.name); err != nil {
		return err
	}
	d.name = v
	return nil
}

// Field returns a field's current value by schema name.
func (d *Driver) Field(name string) any {
	switch name {
	case "id":
		return d.id
	case "name":
		return d.name
	default:
		return nil
	}
}

// SetField assigns a field raw, bypassing the mutation guard.
func (d *Driver) SetField(name string, v any) error {
	switch name {
	case "id":
		return toInt64(v, &d.id)
	case "name":
		return toString(v, &d.name)
	default:
		return errors.Errorf("drivers: no field %q", name)
	}
}

var _ relmap.Entity = (*Driver)(nil)

// CarDriver is one join row of the car-driver association.
type CarDriver struct {
	relmap.Base
	id       int64
	carID    int64
	driverID int64
	role     string
}

// ID returns the generated key, zero until committed.
func (cd *CarDriver) ID() int64 { return cd.id }

// CarID returns the linked car's key.
func (cd *CarDriver) CarID() int64 { return cd.carID }

// DriverID returns the linked driver's key.
func (cd *CarDriver) DriverID() int64 { return cd.driverID }

// Role returns the link attribute.
func (cd *CarDriver) Role() string { return cd.role }

// SetRole changes the link attribute through the mutation guard.
func (cd *CarDriver) SetRole(v string) error {
	if err := cd.Touch("role", cd.role); err != nil {
		return err
	}
	cd.role = v
	return nil
}

// Field returns a field's current value by schema name.
func (cd *CarDriver) Field(name string) any {
	switch name {
	case "id":
		return cd.id
	case "car_id":
		return cd.carID
	case "driver_id":
		return cd.driverID
	case "role":
		return cd.role
	default:
		return nil
	}
}

// SetField assigns a field raw, bypassing the mutation guard.
func (cd *CarDriver) SetField(name string, v any) error {
	switch name {
	case "id":
		return toInt64(v, &cd.id)
	case "car_id":
		return toInt64(v, &cd.carID)
	case "driver_id":
		return toInt64(v, &cd.driverID)
	case "role":
		return toString(v, &cd.role)
	default:
		return errors.Errorf("car_driver: no field %q", name)
	}
}

var _ relmap.Entity = (*CarDriver)(nil)

// DB bundles a manager, its tables, and an in-memory store into a ready
// fixture database.
type DB struct {
	Store      *membackend.Store
	Mgr        *relmap.Manager
	Cars       *relmap.Table[*Car]
	Doors      *relmap.Table[*Door]
	Drivers    *relmap.Table[*Driver]
	CarDrivers *relmap.Table[*CarDriver]
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewDB builds a fixture database over a fresh in-memory store.
func NewDB(opts ...relmap.Option) (*DB, error) {
	store := membackend.New()
	for _, s := range []relmap.Schema{CarSchema, DoorSchema, DriverSchema, CarDriverSchema} {
		store.CreateTable(s.Table, s.AutoKey)
	}
	mgr, err := relmap.NewManager(store, append([]relmap.Option{relmap.WithLogger(DiscardLogger())}, opts...)...)
	if err != nil {
		return nil, err
	}
	return NewDBOver(mgr, store)
}

// NewDBOver wires the fixture tables onto an existing manager and store.
func NewDBOver(mgr *relmap.Manager, store *membackend.Store) (*DB, error) {
	db := &DB{Store: store, Mgr: mgr}
	var err error
	if db.Doors, err = relmap.NewTable(mgr, DoorSchema, func() *Door { return &Door{} }); err != nil {
		return nil, err
	}
	if db.Drivers, err = relmap.NewTable(mgr, DriverSchema, func() *Driver { return &Driver{} }); err != nil {
		return nil, err
	}
	if db.CarDrivers, err = relmap.NewTable(mgr, CarDriverSchema, func() *CarDriver { return &CarDriver{} }); err != nil {
		return nil, err
	}
	if db.Cars, err = relmap.NewTable(mgr, CarSchema, db.NewCar); err != nil {
		return nil, err
	}
	return db, nil
}

// NewCar builds an unbound car wired to this database's relation tables.
func (db *DB) NewCar() *Car {
	c := &Car{extras: NewJSONMap()}
	carKey := func() any { return c.id }
	c.doors = relmap.NewRelation(db.Doors, c, "car_id", carKey, relmap.WithCascade())
	c.links = relmap.NewRelation(db.CarDrivers, c, "car_id", carKey, relmap.WithCascade())
	drivers, err := relmap.NewM2M(c.links, db.Drivers, "driver_id")
	if err != nil {
		// the schemas are static; a wiring mismatch is a programming error
		panic(err)
	}
	c.drivers = drivers
	return c
}

// Seed stores a small consistent dataset: two cars, the first with two
// front doors and one named driver.
func (db *DB) Seed(ctx context.Context) (*Car, error) {
	var car *Car
	err := db.Mgr.Transaction(ctx, func(ctx context.Context) error {
		var err error
		car, err = db.Cars.New(ctx, func(c *Car) error {
			if _, err := c.Doors().New(ctx, func(d *Door) error { return d.SetLocation("frontleft") }); err != nil {
				return err
			}
			if _, err := c.Doors().New(ctx, func(d *Door) error { return d.SetLocation("frontright") }); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := db.Cars.New(ctx, func(c *Car) error { return c.SetColor("blue") }); err != nil {
			return err
		}
		driver, err := db.Drivers.New(ctx, func(d *Driver) error { return d.SetName("ana") })
		if err != nil {
			return err
		}
		_, err = car.Drivers().Add(ctx, driver, func(cd *CarDriver) error { return cd.SetRole("owner") })
		return err
	})
	if err != nil {
		return nil, err
	}
	return car, nil
}

func toInt64(v any, dst *int64) error {
	switch n := backend.Normalize(v).(type) {
	case nil:
		*dst = 0
		return nil
	case int64:
		*dst = n
		return nil
	case float64:
		*dst = int64(n)
		return nil
	default:
		return errors.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any, dst *float64) error {
	switch n := backend.Normalize(v).(type) {
	case nil:
		*dst = 0
		return nil
	case int64:
		*dst = float64(n)
		return nil
	case float64:
		*dst = n
		return nil
	default:
		return errors.Errorf("expected float, got %T", v)
	}
}

func toString(v any, dst *string) error {
	switch n := backend.Normalize(v).(type) {
	case nil:
		*dst = ""
		return nil
	case string:
		*dst = n
		return nil
	default:
		return errors.Errorf("expected string, got %T", v)
	}
}
