package core

// ProvisionState tracks activation of data-plane resources for a committed
// reservation.
type ProvisionState string

const (
	Released     ProvisionState = "Released"
	Provisioning ProvisionState = "Provisioning"
	Provisioned  ProvisionState = "Provisioned"
	Releasing    ProvisionState = "Releasing"
)

var provisionMachine = &machine[ProvisionState]{
	name:    "provision",
	initial: Released,
	table: map[ProvisionState]map[Event]ProvisionState{
		Released:     {EventProvision: Provisioning},
		Provisioning: {EventConfirmed: Provisioned},
		Provisioned:  {EventRelease: Releasing},
		Releasing:    {EventConfirmed: Released},
	},
}

// FireProvision applies ev to the provision machine.
func FireProvision(current ProvisionState, ev Event) (ProvisionState, error) {
	return provisionMachine.fire(current, ev)
}

// ProvisionStates returns every defined provision state.
func ProvisionStates() []ProvisionState { return provisionMachine.states() }

// Valid reports whether s is a defined provision state.
func (s ProvisionState) Valid() bool { return provisionMachine.valid(s) }
