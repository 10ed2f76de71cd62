package subsystem

import "fmt"

// ReconcileHosts implements spec.md §4.5.7: run unconditionally every
// pass (no slice-hash gate, unlike every other handler), write only when
// the computed file differs. writeIfChanged is internal/store's
// WriteIfChanged, returning whether it actually wrote.
func ReconcileHosts(render func() ([]byte, error), writeIfChanged func(data []byte) (bool, error)) (bool, error) {
	data, err := render()
	if err != nil {
		return false, fmt.Errorf("hosts: rendering: %w", err)
	}
	wrote, err := writeIfChanged(data)
	if err != nil {
		return false, fmt.Errorf("hosts: writing: %w", err)
	}
	return wrote, nil
}
