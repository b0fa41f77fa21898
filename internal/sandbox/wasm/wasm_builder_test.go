package wasm_test

// Hand-assembled WASI command modules for tests.

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func wasmName(s string) []byte {
	return append(uleb(len(s)), s...)
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(len(content))...)
	return append(out, content...)
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// echoModule returns a module whose _start writes payload to stdout via
// fd_write. Memory layout: iovec at 0, nwritten at 8, payload at 16.
func echoModule(payload string) []byte {
	mod := append([]byte{}, wasmHeader...)

	// (i32,i32,i32,i32)->i32 for fd_write, ()->() for _start.
	mod = append(mod, section(1, []byte{
		0x02,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
		0x60, 0x00, 0x00,
	})...)

	imp := []byte{0x01}
	imp = append(imp, wasmName("wasi_snapshot_preview1")...)
	imp = append(imp, wasmName("fd_write")...)
	imp = append(imp, 0x00, 0x00)
	mod = append(mod, section(2, imp)...)

	mod = append(mod, section(3, []byte{0x01, 0x01})...)
	mod = append(mod, section(5, []byte{0x01, 0x00, 0x01})...)

	exp := []byte{0x02}
	exp = append(exp, wasmName("memory")...)
	exp = append(exp, 0x02, 0x00)
	exp = append(exp, wasmName("_start")...)
	exp = append(exp, 0x00, 0x01)
	mod = append(mod, section(7, exp)...)

	body := []byte{
		0x00,       // no locals
		0x41, 0x01, // fd = 1
		0x41, 0x00, // iovs
		0x41, 0x01, // iovs_len
		0x41, 0x08, // nwritten
		0x10, 0x00, // call fd_write
		0x1a, // drop
		0x0b, // end
	}
	code := []byte{0x01}
	code = append(code, uleb(len(body))...)
	code = append(code, body...)
	mod = append(mod, section(10, code)...)

	n := len(payload)
	data := []byte{
		0x10, 0x00, 0x00, 0x00,
		byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	data = append(data, payload...)
	seg := []byte{0x01, 0x00, 0x41, 0x00, 0x0b}
	seg = append(seg, uleb(len(data))...)
	seg = append(seg, data...)
	mod = append(mod, section(11, seg)...)
	return mod
}

// spinModule returns a module whose _start never returns.
func spinModule() []byte {
	mod := append([]byte{}, wasmHeader...)
	mod = append(mod, section(1, []byte{0x01, 0x60, 0x00, 0x00})...)
	mod = append(mod, section(3, []byte{0x01, 0x00})...)
	exp := []byte{0x01}
	exp = append(exp, wasmName("_start")...)
	exp = append(exp, 0x00, 0x00)
	mod = append(mod, section(7, exp)...)
	body := []byte{
		0x00,
		0x03, 0x40, // loop (empty block type)
		0x0c, 0x00, // br 0
		0x0b, // end loop
		0x0b, // end func
	}
	code := []byte{0x01}
	code = append(code, uleb(len(body))...)
	code = append(code, body...)
	mod = append(mod, section(10, code)...)
	return mod
}
