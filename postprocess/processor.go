package postprocess

import "fmt"

// Processor parses one benchmark's archived result files into runs.
type Processor interface {
	TestName() string
	ParseRuns(ex *Extracted) (map[string]*Run, error)
}

var processors map[string]func() Processor

func RegisterProcessor(name string, f func() Processor) {
	if processors == nil {
		processors = map[string]func() Processor{}
	}
	processors[name] = f
}

func NewProcessor(name string) (Processor, error) {
	f, ok := processors[name]
	if !ok {
		return nil, fmt.Errorf("no processor registered for test: %s", name)
	}
	return f(), nil
}

func init() {
	RegisterProcessor("streams", func() Processor { return &streamsProcessor{} })
	RegisterProcessor("coremark", func() Processor { return &coremarkProcessor{} })
	RegisterProcessor("fio", func() Processor { return &fioProcessor{} })
}
