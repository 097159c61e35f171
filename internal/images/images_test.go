/*
Copyright 2024 Domino Data Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package images

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	got, err := ParseType("environment")
	require.Nil(t, err)
	require.Equal(t, TypeEnvironment, got)

	got, err = ParseType("model")
	require.Nil(t, err)
	require.Equal(t, TypeModel, got)

	_, err = ParseType("snapshot")
	require.NotNil(t, err)
}

func TestRepositoryFor(t *testing.T) {
	require.Equal(t, "domino/environment", RepositoryFor("domino", TypeEnvironment))
	require.Equal(t, "domino/model", RepositoryFor("domino", TypeModel))
	require.Equal(t, "environment", RepositoryFor("", TypeEnvironment))
}

func TestKeyString(t *testing.T) {
	k := Key{Type: TypeEnvironment, Tag: "abc"}
	require.Equal(t, "environment:abc", k.String())
}
