package models

// RecipientDirectory holds the identities an artifact is directly shared with. The effective set of users
// who can access the artifact also includes the current members of every group in Groups, resolved at
// access time.
type RecipientDirectory struct {
	Users  IDSet `json:"users"`
	Groups IDSet `json:"groups"`
}

func NewRecipientDirectory() RecipientDirectory {
	return RecipientDirectory{Users: IDSet{}, Groups: IDSet{}}
}

// ShareDelta lists the identities a share operation actually added
type ShareDelta struct {
	AddedUsers  []string `json:"addedUsers"`
	AddedGroups []string `json:"addedGroups"`
}

func (d ShareDelta) Empty() bool {
	return len(d.AddedUsers) == 0 && len(d.AddedGroups) == 0
}

// RevokeDelta lists the identities a revoke operation actually removed. For a revoke-all, RemovedUsers is
// the direct user set as it was before the call; group members are never enumerated.
type RevokeDelta struct {
	RemovedUsers  []string `json:"removedUsers"`
	RemovedGroups []string `json:"removedGroups"`
	All           bool     `json:"all"`
}

func (d RevokeDelta) Empty() bool {
	return len(d.RemovedUsers) == 0 && len(d.RemovedGroups) == 0 && !d.All
}

func (d *RecipientDirectory) init() {
	if d.Users == nil {
		d.Users = IDSet{}
	}
	if d.Groups == nil {
		d.Groups = IDSet{}
	}
}

// Share unions users and groups into the directory. Identities already present are no-ops and do not
// show up in the returned delta.
func (d *RecipientDirectory) Share(users, groups []string) ShareDelta {
	d.init()
	delta := ShareDelta{AddedUsers: []string{}, AddedGroups: []string{}}
	for _, u := range users {
		if d.Users.Add(u) {
			delta.AddedUsers = append(delta.AddedUsers, u)
		}
	}
	for _, g := range groups {
		if d.Groups.Add(g) {
			delta.AddedGroups = append(delta.AddedGroups, g)
		}
	}
	return delta
}

// Remove removes only the listed identities
func (d *RecipientDirectory) Remove(users, groups []string) RevokeDelta {
	d.init()
	delta := RevokeDelta{RemovedUsers: []string{}, RemovedGroups: []string{}}
	for _, u := range users {
		if d.Users.Remove(u) {
			delta.RemovedUsers = append(delta.RemovedUsers, u)
		}
	}
	for _, g := range groups {
		if d.Groups.Remove(g) {
			delta.RemovedGroups = append(delta.RemovedGroups, g)
		}
	}
	return delta
}

// Clear empties the directory, returning everything it held
func (d *RecipientDirectory) Clear() RevokeDelta {
	d.init()
	delta := RevokeDelta{RemovedUsers: d.Users.Sorted(), RemovedGroups: d.Groups.Sorted(), All: true}
	d.Users, d.Groups = IDSet{}, IDSet{}
	return delta
}

func (d RecipientDirectory) Clone() RecipientDirectory {
	return RecipientDirectory{Users: d.Users.Clone(), Groups: d.Groups.Clone()}
}
