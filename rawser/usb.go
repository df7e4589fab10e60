package rawser

import (
	"github.com/google/gousb"
)

// usbStream adapts a USB bulk endpoint pair to io.ReadWriteCloser so the
// telegram reader does not care which transport carries the bytes.
type usbStream struct {
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	closer func()
}

// openUSB claims the default interface of the device with the given ids
// and wires its first bulk endpoint pair.
func openUSB(vid, pid uint16) (*usbStream, error) {
	s := &usbStream{ctx: gousb.NewContext()}
	var err error
	s.device, err = s.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		s.ctx.Close()
		return nil, err
	}
	if s.device == nil {
		s.ctx.Close()
		return nil, gousb.ErrorNoDevice
	}
	err = s.device.SetAutoDetach(true)
	if err != nil {
		s.device.Close()
		s.ctx.Close()
		return nil, err
	}
	s.iface, s.closer, err = s.device.DefaultInterface()
	if err != nil {
		s.device.Close()
		s.ctx.Close()
		return nil, err
	}
	s.in, err = s.iface.InEndpoint(1)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.out, err = s.iface.OutEndpoint(1)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *usbStream) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *usbStream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *usbStream) Close() error {
	if s.closer != nil {
		s.closer()
		s.closer = nil
	}
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
	if s.ctx != nil {
		err := s.ctx.Close()
		s.ctx = nil
		return err
	}
	return nil
}
