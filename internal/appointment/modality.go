package appointment

// Descriptor captures how one modality parameterizes the shared engine. The
// four lifecycles differ in step count and in when money moves; everything a
// flow shares (slot checks, live sets, OTP gating, room provisioning) hangs
// off the descriptor instead of being copied per modality.
type Descriptor struct {
	Modality Modality

	// RequiresSlot: the booking carries a scheduled time window.
	RequiresSlot bool
	// FreezeAtBooking: the booking reserves the price on the patient wallet.
	// Online is the odd one out: it only checks the unfrozen balance and
	// settles in full at the doctor's accept.
	FreezeAtBooking bool
	// UsesOTP: completion is gated behind a proof-of-delivery code.
	UsesOTP bool
	// RequiresRoom: the doctor's accept provisions a video room and fails
	// without one.
	RequiresRoom bool

	// AcceptTo is the status the doctor's accept transition lands on.
	AcceptTo Status
	// CompleteFrom is the status an OTP-gated completion settles out of.
	CompleteFrom Status

	// LiveStatuses both block a slot and make an appointment eligible for the
	// expiry sweep.
	LiveStatuses []Status
}

var descriptors = map[Modality]Descriptor{
	ModalityOnline: {
		Modality:     ModalityOnline,
		RequiresSlot: true,
		RequiresRoom: true,
		AcceptTo:     StatusAccepted,
		LiveStatuses: []Status{StatusPending, StatusAccepted},
	},
	ModalityClinic: {
		Modality:        ModalityClinic,
		RequiresSlot:    true,
		FreezeAtBooking: true,
		UsesOTP:         true,
		AcceptTo:        StatusAccepted,
		CompleteFrom:    StatusAccepted,
		LiveStatuses:    []Status{StatusPending, StatusAccepted},
	},
	ModalityHomeVisit: {
		Modality:     ModalityHomeVisit,
		RequiresSlot: true,
		UsesOTP:      true,
		AcceptTo:     StatusDoctorAccepted,
		CompleteFrom: StatusPatientConfirmed,
		LiveStatuses: []Status{StatusPending, StatusDoctorAccepted, StatusPatientConfirmed},
	},
	ModalityEmergency: {
		Modality:        ModalityEmergency,
		FreezeAtBooking: true,
		RequiresRoom:    true,
		AcceptTo:        StatusInProgress,
		LiveStatuses:    []Status{StatusPending, StatusInProgress},
	},
}

// DescriptorFor returns the modality's policy, or ok=false for an unknown tag.
func DescriptorFor(m Modality) (Descriptor, bool) {
	d, ok := descriptors[m]
	return d, ok
}

// AllLiveStatuses is the union of every modality's live set, used by the slot
// uniqueness guarantee and the frozen-sum consistency oracle.
var AllLiveStatuses = func() []Status {
	seen := make(map[Status]bool)
	var union []Status
	for _, d := range descriptors {
		for _, s := range d.LiveStatuses {
			if !seen[s] {
				seen[s] = true
				union = append(union, s)
			}
		}
	}
	return union
}()
