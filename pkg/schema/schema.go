// Package schema loads the Wayland protocol XML descriptions shipped in
// proto/ and exposes the interface/request/event tables the wire codec
// and the policy engine both consult.
//
// The XML shapes here mirror the ones a wayland-scanner-style code
// generator parses (protocol -> interface -> request/event -> arg); this
// package reads them at process start into an in-memory table instead of
// emitting generated Go source, so the proxy can support any protocol
// extension dropped into proto/ without a rebuild.
package schema

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
)

// ArgType is the wire type of one request/event argument.
type ArgType string

const (
	ArgInt    ArgType = "int"
	ArgUint   ArgType = "uint"
	ArgFixed  ArgType = "fixed"
	ArgString ArgType = "string"
	ArgObject ArgType = "object"
	ArgNewID  ArgType = "new_id"
	ArgArray  ArgType = "array"
	ArgFD     ArgType = "fd"
)

// xmlProtocol and friends mirror the wayland.xml / *.xml DTD shape.
type xmlProtocol struct {
	XMLName    xml.Name       `xml:"protocol"`
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
}

type xmlInterface struct {
	Name     string       `xml:"name,attr"`
	Version  int          `xml:"version,attr"`
	Requests []xmlMessage `xml:"request"`
	Events   []xmlMessage `xml:"event"`
}

type xmlMessage struct {
	Name string   `xml:"name,attr"`
	Type string   `xml:"type,attr"` // "destructor" or empty
	Args []xmlArg `xml:"arg"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Interface string `xml:"interface,attr"`
	AllowNull bool   `xml:"allow-null,attr"`
}

// Arg describes one typed argument of a request or event.
type Arg struct {
	Name string
	Type ArgType
	// Interface names the interface of an `object` or typed `new_id`
	// argument. Empty for the untyped new_id case (wl_registry.bind),
	// where the interface travels inline on the wire instead.
	Interface string
	AllowNull bool
}

// Message describes one request or event: its opcode (position in the
// XML file), name, and argument list.
type Message struct {
	Opcode      uint16
	Name        string
	Args        []Arg
	Destructor  bool
	// Constructor is true when this message produces a new object.
	// NewIDInterface is set for every constructor except the untyped
	// new_id case, which is resolved at parse time from the arguments
	// that precede it on the wire (see wire.Reader).
	Constructor    bool
	NewIDInterface string
}

// Interface describes one named, versioned Wayland interface.
type Interface struct {
	Name     string
	Version  int
	Requests []Message
	Events   []Message
}

// Schema is the process-wide, read-only table of every interface loaded
// from the protocol directory. It is built once by Load and never
// mutated afterward.
type Schema struct {
	interfaces map[string]*Interface
}

// Load walks dir for *.xml files and builds the schema. A duplicate
// interface name across files is a load-time error; an interface
// referenced later by policy or the wire but absent here is not an
// error at all: policy only logs a warning, and the wire codec forwards
// messages on such objects opaquely.
func Load(dir string) (*Schema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("schema: reading %s: %w", dir, err)
	}

	s := &Schema{interfaces: make(map[string]*Interface)}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".xml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.loadFile(path); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Schema) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("schema: reading %s: %w", path, err)
	}

	var proto xmlProtocol
	if err := xml.Unmarshal(data, &proto); err != nil {
		return fmt.Errorf("schema: parsing %s: %w", path, err)
	}

	for _, xi := range proto.Interfaces {
		if _, exists := s.interfaces[xi.Name]; exists {
			return fmt.Errorf("schema: duplicate interface %q (in %s)", xi.Name, path)
		}
		iface, err := convertInterface(xi)
		if err != nil {
			return fmt.Errorf("schema: %s: %w", path, err)
		}
		s.interfaces[xi.Name] = iface
	}

	return nil
}

func convertInterface(xi xmlInterface) (*Interface, error) {
	iface := &Interface{Name: xi.Name, Version: xi.Version}

	requests, err := convertMessages(xi.Requests)
	if err != nil {
		return nil, err
	}
	events, err := convertMessages(xi.Events)
	if err != nil {
		return nil, err
	}
	iface.Requests = requests
	iface.Events = events
	return iface, nil
}

func convertMessages(xms []xmlMessage) ([]Message, error) {
	out := make([]Message, 0, len(xms))
	for opcode, xm := range xms {
		args := make([]Arg, 0, len(xm.Args))
		var newIDInterface string
		constructor := false
		for _, xa := range xm.Args {
			t := ArgType(xa.Type)
			switch t {
			case ArgInt, ArgUint, ArgFixed, ArgString, ArgObject, ArgArray, ArgFD:
			case ArgNewID:
				constructor = true
				newIDInterface = xa.Interface
			default:
				return nil, fmt.Errorf("message %q: unknown arg type %q", xm.Name, xa.Type)
			}
			args = append(args, Arg{
				Name:      xa.Name,
				Type:      t,
				Interface: xa.Interface,
				AllowNull: xa.AllowNull,
			})
		}
		out = append(out, Message{
			Opcode:         uint16(opcode),
			Name:           xm.Name,
			Args:           args,
			Destructor:     xm.Type == "destructor",
			Constructor:    constructor,
			NewIDInterface: newIDInterface,
		})
	}
	return out, nil
}

// LookupInterface returns the descriptor for name, if known.
func (s *Schema) LookupInterface(name string) (*Interface, bool) {
	iface, ok := s.interfaces[name]
	return iface, ok
}

// LookupRequest returns the request descriptor for (interface, opcode).
func (s *Schema) LookupRequest(interfaceName string, opcode uint16) (*Message, bool) {
	iface, ok := s.interfaces[interfaceName]
	if !ok || int(opcode) >= len(iface.Requests) {
		return nil, false
	}
	return &iface.Requests[opcode], true
}

// LookupEvent returns the event descriptor for (interface, opcode).
func (s *Schema) LookupEvent(interfaceName string, opcode uint16) (*Message, bool) {
	iface, ok := s.interfaces[interfaceName]
	if !ok || int(opcode) >= len(iface.Events) {
		return nil, false
	}
	return &iface.Events[opcode], true
}

// LookupRequestByName resolves a request name to its opcode. PolicyEngine
// does not use it: it matches filter.requests entries by request name.
func (s *Schema) LookupRequestByName(interfaceName, requestName string) (uint16, bool) {
	iface, ok := s.interfaces[interfaceName]
	if !ok {
		return 0, false
	}
	for _, r := range iface.Requests {
		if r.Name == requestName {
			return r.Opcode, true
		}
	}
	return 0, false
}

// HasInterface reports whether name is a known interface, used to emit
// the load-time diagnostic for filters naming an unknown interface.
func (s *Schema) HasInterface(name string) bool {
	_, ok := s.interfaces[name]
	return ok
}
