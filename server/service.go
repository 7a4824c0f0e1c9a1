package server

import (
	"context"
	"reflect"
	"strings"

	"github.com/juju/errors"
)

// MethodHandler decodes the request with dec, runs the method, and returns the reply
// value to be serialized back to the caller.
type MethodHandler func(ctx context.Context, dec func(any) error) (any, error)

type MethodDesc struct {
	MethodName string
	Handler    MethodHandler
}

// ServiceDesc is the method table of one service, addressed as "ServiceName.MethodName".
type ServiceDesc struct {
	ServiceName string
	Methods     []*MethodDesc
}

func (d *ServiceDesc) validate() error {
	if d == nil || d.ServiceName == "" || strings.Contains(d.ServiceName, ".") {
		return errors.NotValidf("service name")
	}
	seen := make(map[string]bool, len(d.Methods))
	for _, m := range d.Methods {
		if m == nil || m.MethodName == "" || m.Handler == nil {
			return errors.NotValidf("method of service %s", d.ServiceName)
		}
		if seen[m.MethodName] {
			return errors.AlreadyExistsf("method %s.%s", d.ServiceName, m.MethodName)
		}
		seen[m.MethodName] = true
	}
	return nil
}

type service struct {
	name    string
	methods map[string]MethodHandler
}

func newService(d *ServiceDesc) *service {
	s := &service{name: d.ServiceName, methods: make(map[string]MethodHandler, len(d.Methods))}
	for _, m := range d.Methods {
		s.methods[m.MethodName] = m.Handler
	}
	return s
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// DescribeReceiver builds a ServiceDesc from the exported methods of rcvr that look like
//
//	func (r *T) Method(ctx context.Context, req *Req) (*Resp, error)
//
// Other methods are skipped. It fails if no method qualifies.
func DescribeReceiver(name string, rcvr any) (*ServiceDesc, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return nil, errors.NotValidf("nil receiver")
	}
	val := reflect.ValueOf(rcvr)
	if name == "" {
		name = reflect.Indirect(val).Type().Name()
	}

	desc := &ServiceDesc{ServiceName: name}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2).Kind() != reflect.Ptr ||
			mt.Out(0).Kind() != reflect.Ptr || mt.Out(1) != errorType {
			continue
		}
		desc.Methods = append(desc.Methods, &MethodDesc{
			MethodName: method.Name,
			Handler:    reflectHandler(val.Method(i), mt.In(2).Elem()),
		})
	}
	if len(desc.Methods) == 0 {
		return nil, errors.NotFoundf("rpc methods on %s", typ)
	}
	return desc, nil
}

func reflectHandler(fn reflect.Value, argType reflect.Type) MethodHandler {
	return func(ctx context.Context, dec func(any) error) (any, error) {
		argv := reflect.New(argType)
		if err := dec(argv.Interface()); err != nil {
			return nil, err
		}
		results := fn.Call([]reflect.Value{reflect.ValueOf(ctx), argv})
		if errv := results[1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return results[0].Interface(), nil
	}
}
