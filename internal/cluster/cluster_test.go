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

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

const testNamespace = "domino-platform"

func registryLabels() map[string]string {
	return map[string]string{"app": "docker-registry"}
}

func readyPod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "docker-registry-0",
			Namespace: testNamespace,
			Labels:    registryLabels(),
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
}

func registryStatefulSet(env []corev1.EnvVar) *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "docker-registry", Namespace: testNamespace},
		Spec: appsv1.StatefulSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: registryLabels()},
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "registry", Env: env}},
				},
			},
		},
	}
}

func TestMutateEnv(t *testing.T) {
	spec := &corev1.PodSpec{Containers: []corev1.Container{{Name: "registry"}}}

	require.True(t, mutateEnv(spec, true))
	require.Equal(t, []corev1.EnvVar{{Name: deleteEnabledEnv, Value: "true"}},
		spec.Containers[0].Env)

	// Enabling again is a noop.
	require.False(t, mutateEnv(spec, true))

	// A wrong value gets corrected.
	spec.Containers[0].Env[0].Value = "false"
	require.True(t, mutateEnv(spec, true))
	require.Equal(t, "true", spec.Containers[0].Env[0].Value)

	require.True(t, mutateEnv(spec, false))
	require.Len(t, spec.Containers[0].Env, 0)

	// Disabling when already absent is a noop.
	require.False(t, mutateEnv(spec, false))
}

func TestMutateEnvCoversAllContainers(t *testing.T) {
	spec := &corev1.PodSpec{Containers: []corev1.Container{
		{Name: "registry"},
		{Name: "sidecar"},
	}}

	require.True(t, mutateEnv(spec, true))
	for _, c := range spec.Containers {
		require.Equal(t, []corev1.EnvVar{{Name: deleteEnabledEnv, Value: "true"}}, c.Env)
	}
}

func TestEnableDeleteOnStatefulSet(t *testing.T) {
	client := fake.NewSimpleClientset(registryStatefulSet(nil), readyPod())
	m := NewManagerWithClient(client, testNamespace, "docker-registry", 5*time.Second)

	require.Nil(t, m.EnableDelete(context.Background()))

	sts, err := client.AppsV1().StatefulSets(testNamespace).
		Get(context.Background(), "docker-registry", metav1.GetOptions{})
	require.Nil(t, err)
	require.Equal(t, []corev1.EnvVar{{Name: deleteEnabledEnv, Value: "true"}},
		sts.Spec.Template.Spec.Containers[0].Env)
}

func TestDisableDeleteIdempotent(t *testing.T) {
	// The switch is already absent: no update and no rollout wait happen.
	client := fake.NewSimpleClientset(registryStatefulSet(nil))
	m := NewManagerWithClient(client, testNamespace, "docker-registry", time.Second)

	require.Nil(t, m.DisableDelete(context.Background()))
}

func TestEnableDeleteFallsBackToDeployment(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "docker-registry", Namespace: testNamespace},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: registryLabels()},
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "registry"}},
				},
			},
		},
	}
	client := fake.NewSimpleClientset(dep, readyPod())
	m := NewManagerWithClient(client, testNamespace, "docker-registry", 5*time.Second)

	require.Nil(t, m.EnableDelete(context.Background()))

	got, err := client.AppsV1().Deployments(testNamespace).
		Get(context.Background(), "docker-registry", metav1.GetOptions{})
	require.Nil(t, err)
	require.Equal(t, []corev1.EnvVar{{Name: deleteEnabledEnv, Value: "true"}},
		got.Spec.Template.Spec.Containers[0].Env)
}

func TestEnableDeleteMissingWorkload(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := NewManagerWithClient(client, testNamespace, "docker-registry", time.Second)

	err := m.EnableDelete(context.Background())
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "docker-registry")
}

func TestSecretCredentials(t *testing.T) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "registry-auth", Namespace: testNamespace},
		Data: map[string][]byte{
			"username": []byte("admin"),
			"password": []byte("s3cret"),
		},
	}
	client := fake.NewSimpleClientset(secret)
	m := NewManagerWithClient(client, testNamespace, "docker-registry", time.Second)

	user, pass, err := m.SecretCredentials(context.Background(), "registry-auth")
	require.Nil(t, err)
	require.Equal(t, "admin", user)
	require.Equal(t, "s3cret", pass)

	_, _, err = m.SecretCredentials(context.Background(), "missing")
	require.NotNil(t, err)
}
