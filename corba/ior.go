package corba

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ifabos/miniorb/giop"
)

// IIOPVersion is the protocol version advertised in an object reference
type IIOPVersion struct {
	Major byte
	Minor byte
}

// String returns the string representation of an IIOP version
func (v IIOPVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// TAG_INTERNET_IOP is the tag of the stream transport profile
const TAG_INTERNET_IOP uint32 = 0

// CurrentVersion is the version written into new references
var CurrentVersion = IIOPVersion{Major: 1, Minor: giop.Version}

// ObjectRef names a remote object: the repository id of its interface, the
// endpoint of the ORB serving it and its object id there.
type ObjectRef struct {
	TypeID   string
	Version  IIOPVersion
	Endpoint string
	Key      ObjectID
}

// NewObjectRef creates a reference to oid served at endpoint
func NewObjectRef(typeID, endpoint string, oid ObjectID) *ObjectRef {
	return &ObjectRef{
		TypeID:   typeID,
		Version:  CurrentVersion,
		Endpoint: endpoint,
		Key:      oid,
	}
}

// Encode returns the binary form of the reference
func (r *ObjectRef) Encode() []byte {
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteString(r.TypeID)
	m.WriteULong(TAG_INTERNET_IOP)
	m.WriteOctet(r.Version.Major)
	m.WriteOctet(r.Version.Minor)
	m.WriteString(r.Endpoint)
	m.WriteOctetSequence(r.Key)
	return m.Bytes()
}

// DecodeObjectRef parses the binary form produced by Encode
func DecodeObjectRef(data []byte) (*ObjectRef, error) {
	u := giop.NewCDRUnmarshaller(data, binary.BigEndian)
	invalid := func(what string, err error) error {
		return INV_OBJREF(2, CompletionStatusNo).WithDescription("%s: %v", what, err)
	}

	ref := &ObjectRef{}
	var err error
	if ref.TypeID, err = u.ReadString(); err != nil {
		return nil, invalid("type id", err)
	}
	tag, err := u.ReadULong()
	if err != nil {
		return nil, invalid("profile tag", err)
	}
	if tag != TAG_INTERNET_IOP {
		return nil, INV_OBJREF(3, CompletionStatusNo).WithDescription("unsupported profile tag %d", tag)
	}
	if ref.Version.Major, err = u.ReadOctet(); err != nil {
		return nil, invalid("version", err)
	}
	if ref.Version.Minor, err = u.ReadOctet(); err != nil {
		return nil, invalid("version", err)
	}
	if ref.Endpoint, err = u.ReadString(); err != nil {
		return nil, invalid("endpoint", err)
	}
	key, err := u.ReadOctetSequence()
	if err != nil {
		return nil, invalid("object key", err)
	}
	if len(key) == 0 {
		return nil, INV_OBJREF(4, CompletionStatusNo).WithDescription("empty object key")
	}
	if u.Remaining() != 0 {
		return nil, INV_OBJREF(5, CompletionStatusNo).WithDescription("%d trailing bytes", u.Remaining())
	}
	ref.Key = ObjectID(key)
	return ref, nil
}

// ParseIOR parses a stringified object reference
func ParseIOR(iorString string) (*ObjectRef, error) {
	if !strings.HasPrefix(iorString, "IOR:") {
		return nil, INV_OBJREF(1, CompletionStatusNo).WithDescription("invalid IOR string format, must start with 'IOR:'")
	}

	data, err := hex.DecodeString(strings.TrimPrefix(iorString, "IOR:"))
	if err != nil {
		return nil, INV_OBJREF(1, CompletionStatusNo).WithDescription("invalid IOR hex format: %v", err)
	}
	return DecodeObjectRef(data)
}

// String converts the reference to its stringified form
func (r *ObjectRef) String() string {
	return "IOR:" + strings.ToUpper(hex.EncodeToString(r.Encode()))
}

// Invoke calls operation on the referenced object, connecting to its
// endpoint if needed. Arguments are encoded with the client's encoding.
func (r *ObjectRef) Invoke(ctx context.Context, client *Client, operation string, args ...interface{}) (giop.Payload, error) {
	payload, err := giop.MarshalPayload(client.encoding, args...)
	if err != nil {
		return giop.Payload{}, MARSHAL(5, CompletionStatusNo).WithDescription("%s arguments: %v", operation, err)
	}
	conn, err := client.manager.Connect(ctx, r.Endpoint)
	if err != nil {
		return giop.Payload{}, err
	}
	return client.Call(ctx, conn, r.Key, operation, payload, 0)
}

// Locate asks the serving ORB whether the referenced object exists
func (r *ObjectRef) Locate(ctx context.Context, client *Client) (bool, error) {
	conn, err := client.manager.Connect(ctx, r.Endpoint)
	if err != nil {
		return false, err
	}
	return client.Locate(ctx, conn, r.Key, 0)
}

// FormatRepositoryID formats a repository ID according to CORBA standards
// Format: "IDL:<interface_name>:<version>"
func FormatRepositoryID(interfaceName string, version string) string {
	if version == "" {
		version = "1.0"
	}

	if strings.HasPrefix(interfaceName, "IDL:") && strings.Count(interfaceName, ":") >= 2 {
		return interfaceName
	}

	name := strings.TrimPrefix(interfaceName, "IDL:")
	name = strings.ReplaceAll(name, ".", "/")
	return fmt.Sprintf("IDL:%s:%s", name, version)
}
