package server

import (
	"context"
	"go/token"
	"reflect"

	"github.com/pkg/errors"

	"remoting/codec"
	"remoting/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method   reflect.Method
	hasCtx   bool
	ArgTypes []reflect.Type
	hasReply bool
	hasErr   bool
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService builds the method table of rcvr. With iface set, only the
// methods of that interface are exposed and every one of them must be
// suitable; otherwise every suitable exported method is.
func newService(name string, rcvr any, iface reflect.Type) (*service, error) {
	if rcvr == nil {
		return nil, errors.New("rpc: nil receiver")
	}
	typ := reflect.TypeOf(rcvr)
	if name == "" {
		base := typ
		if base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		name = base.Name()
	}
	if name == "" || !token.IsIdentifier(name) {
		return nil, errors.Errorf("rpc: invalid service name %q for type %s", name, typ)
	}

	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}

	if iface != nil {
		for i := 0; i < iface.NumMethod(); i++ {
			m, ok := typ.MethodByName(iface.Method(i).Name)
			if !ok {
				return nil, errors.Errorf("rpc: %s does not implement %s.%s", typ, iface.Name(), iface.Method(i).Name)
			}
			mt := suitableMethod(m)
			if mt == nil {
				return nil, errors.Errorf("rpc: %s.%s has an unsupported signature %s", name, m.Name, m.Type)
			}
			srv.method[m.Name] = mt
		}
	} else {
		for i := 0; i < typ.NumMethod(); i++ {
			m := typ.Method(i)
			if mt := suitableMethod(m); mt != nil {
				srv.method[m.Name] = mt
			}
		}
	}
	if len(srv.method) == 0 {
		return nil, errors.Errorf("rpc: type %s has no exported methods of suitable type", typ)
	}
	return srv, nil
}

// suitableMethod accepts (ctx?, args...) returning (R, error), error, R or
// nothing. Variadic methods are skipped.
func suitableMethod(m reflect.Method) *methodType {
	mtype := m.Type
	if !m.IsExported() || mtype.IsVariadic() {
		return nil
	}
	mt := &methodType{method: m}

	first := 1 // In(0) is the receiver
	if mtype.NumIn() > 1 && mtype.In(1) == contextType {
		mt.hasCtx = true
		first = 2
	}
	for i := first; i < mtype.NumIn(); i++ {
		mt.ArgTypes = append(mt.ArgTypes, mtype.In(i))
	}

	switch mtype.NumOut() {
	case 0:
	case 1:
		if mtype.Out(0) == errorType {
			mt.hasErr = true
		} else {
			mt.hasReply = true
		}
	case 2:
		if mtype.Out(1) != errorType {
			return nil
		}
		mt.hasReply, mt.hasErr = true, true
	default:
		return nil
	}
	return mt
}

// matches reports whether args fit the parameter list by count and type tag.
// An empty tag matches anything, and so does an interface parameter.
func (m *methodType) matches(args []message.Arg) bool {
	if len(args) != len(m.ArgTypes) {
		return false
	}
	for i, a := range args {
		t := m.ArgTypes[i]
		if a.Type != "" && t.Kind() != reflect.Interface && a.Type != t.String() {
			return false
		}
	}
	return true
}

// call decodes args, invokes the method and encodes its result. Panics are
// left to the caller.
func (s *service) call(ctx context.Context, mt *methodType, args []message.Arg) ([]byte, *message.Error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, s.rcvr)
	if mt.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		argv := reflect.New(mt.ArgTypes[i])
		if len(a.Data) > 0 {
			if err := codec.Payload.Decode(a.Data, argv.Interface()); err != nil {
				return nil, message.Errorf(message.KindBadArguments,
					"%s.%s argument %d: %v", s.name, mt.method.Name, i, err)
			}
		}
		in = append(in, argv.Elem())
	}

	out := mt.method.Func.Call(in)

	if mt.hasErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, message.FromError(errv.Interface().(error))
		}
	}
	if !mt.hasReply {
		return nil, nil
	}
	result, err := codec.Payload.Encode(out[0].Interface())
	if err != nil {
		return nil, message.Errorf(message.KindApplication,
			"%s.%s: encode result: %v", s.name, mt.method.Name, err)
	}
	return result, nil
}
